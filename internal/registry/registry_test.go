package registry

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenewarden/internal/rules"
	"scenewarden/internal/scene/memscene"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newRegistry(s *memscene.Scene, lines ...string) *Registry {
	rs := rules.NewStore(rules.Source{Name: "test.rules", Lines: lines})
	return New(DefaultConfig(), rs, s, quietLog())
}

func TestRegisterPicksStrategyFromRules(t *testing.T) {
	s := memscene.New()
	g := newRegistry(s,
		"ignore_full: barrel_01",
		"ignore: crate_01",
		"ignore: sign_01",
	)

	barrel, err := g.Register(KindItem, s.Add("barrel_01"), Profile{})
	require.NoError(t, err)
	assert.True(t, barrel.Inert)
	assert.Equal(t, StrategyIgnore, barrel.Strategy)

	crate, _ := g.Register(KindItem, s.Add("crate_01"), Profile{})
	assert.False(t, crate.Inert)
	assert.Equal(t, StrategyPhysicsOnly, crate.Strategy)

	sign, _ := g.Register(KindObject, s.Add("sign_01"), Profile{})
	assert.Equal(t, StrategyRendererOnly, sign.Strategy)

	plain, _ := g.Register(KindItem, s.Add("crate_02"), Profile{})
	assert.Equal(t, StrategyDefault, plain.Strategy)
	assert.Equal(t, 200.0, plain.Profile.Distance)
	require.Len(t, crate.Exceptions, 1)
}

func TestVehicleStrategyPolicy(t *testing.T) {
	s := memscene.New()
	g := newRegistry(s, "toggle_renderer: billboard")

	truck, _ := g.Register(KindVehicle, s.Add("GIFU(750/450psi)"), Profile{})
	assert.Equal(t, StrategyDefault, truck.Strategy)

	van, _ := g.Register(KindVehicle, s.Add("HAYOSIKO(1500kg, 250)"), Profile{PhysicsOnly: true})
	assert.Equal(t, StrategyPhysicsOnly, van.Strategy)

	trailer, _ := g.Register(KindVehicle, s.Add("TRAILER"), Profile{Mode: rules.ModeVehiclePhysics})
	assert.Equal(t, StrategyPhysicsOnly, trailer.Strategy)

	bb, _ := g.Register(KindObject, s.Add("billboard"), Profile{Mode: rules.ModeRenderer})
	assert.Equal(t, StrategyRendererOnly, bb.Strategy)

	cfg := DefaultConfig()
	cfg.VehiclesPhysicsOnly = true
	g2 := New(cfg, nil, s, quietLog())
	all, _ := g2.Register(KindVehicle, s.Add("FERNDALE"), Profile{})
	assert.Equal(t, StrategyPhysicsOnly, all.Strategy)
}

func TestVehicleKeepChildrenAndHolding(t *testing.T) {
	s := memscene.New()
	g := newRegistry(s, "ignore_at_place: KEKMET radio", "ignore_at_place: KEKMET ghost")
	tractor := s.Add("KEKMET")
	engineAudio := tractor.Add("Engine").Add("engine audio")
	tractor.Add("SoundSrcHorn")
	tractor.Add("Body")
	radio := tractor.Add("Dashboard").Add("radio")

	rec, err := g.Register(KindVehicle, tractor, Profile{})
	require.NoError(t, err)
	require.Len(t, rec.Keep, 3)
	require.NotNil(t, rec.Holder)
	assert.Equal(t, "KEKMET_TEMP", rec.Holder.Name())
	require.Len(t, g.Diagnostics(), 1, "missing ignore_at_place target is reported")

	rec.Hold()
	assert.Equal(t, 3, rec.HeldCount())
	assert.Equal(t, "KEKMET_TEMP", engineAudio.Parent().Name())
	assert.Equal(t, "KEKMET_TEMP", radio.Parent().Name())

	rec.Release()
	assert.Equal(t, "Engine", engineAudio.Parent().Name())
	assert.Equal(t, "Dashboard", radio.Parent().Name())
	assert.Zero(t, rec.HeldCount())
}

func TestPlaceChildrenClosure(t *testing.T) {
	s := memscene.New()
	g := newRegistry(s, "ignore_at_place: STORE Advert")
	store := s.Add("STORE")
	store.WithBehavior("Opening")
	inside := store.Add("Inside")
	inside.Add("Shelf").Add("Boxes")
	inside.Add("AdvertBoard")
	store.Add("TeimoBike")
	hidden := store.Add("Storage")
	hidden.SetActive(false)

	rec, err := g.Register(KindPlace, store, Profile{Distance: 250, Exclude: []string{"Bike"}, Behaviors: true})
	require.NoError(t, err)
	var names []string
	for _, c := range rec.Children {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"Inside", "Shelf", "Boxes", "Storage"}, names)
	assert.Len(t, rec.Suspend, 1)
	assert.True(t, rec.Active)

	inside.Add("Fridge")
	g.RefreshPlace(rec)
	assert.Len(t, rec.Children, 5)
}

func TestDestroyCallbacksUnregister(t *testing.T) {
	s := memscene.New()
	g := newRegistry(s)
	bottle := s.Add("beer bottle(itemx)")
	bottle.WithBehavior("Use", "Destroy self", "Idle")
	crate := s.Add("crate_02")

	var removed []string
	g.OnRemove(func(r *Record) { removed = append(removed, r.Name) })

	b, _ := g.Register(KindItem, bottle, Profile{})
	_, _ = g.Register(KindItem, crate, Profile{})
	require.Equal(t, 2, g.Len())

	s.Fire(bottle, "Destroy self")
	assert.True(t, b.Removed())
	assert.Equal(t, 1, g.Len())

	s.Destroy(crate)
	assert.Zero(t, g.Len())
	assert.Equal(t, []string{"beer bottle(itemx)", "crate_02"}, removed)

	s.Fire(bottle, "Destroy self")
	assert.Len(t, removed, 2, "late hook fire is a no-op")
}

func TestIdsOrderAndLookup(t *testing.T) {
	s := memscene.New()
	g := newRegistry(s, "ignore_full: barrel_01")
	a := s.Add("bucket(itemx)")
	b := s.Add("bucket(itemx)")
	ra, _ := g.Register(KindItem, a, Profile{})
	rb, _ := g.Register(KindItem, b, Profile{})
	_, _ = g.Register(KindItem, s.Add("barrel_01"), Profile{})

	assert.Equal(t, "bucket(itemx)", ra.ID)
	assert.Equal(t, "bucket(itemx)#2", rb.ID)

	again, _ := g.Register(KindItem, a, Profile{})
	assert.Same(t, ra, again)

	got, ok := g.Lookup(b)
	require.True(t, ok)
	assert.Same(t, rb, got)
	assert.Len(t, g.Find("bucket(itemx)"), 2)

	var order []string
	g.Each(func(r *Record) { order = append(order, r.ID) })
	assert.Equal(t, []string{"bucket(itemx)", "bucket(itemx)#2"}, order, "inert records are skipped")
	assert.Len(t, g.Views(), 3)
	assert.Equal(t, map[string]int{"item": 3}, g.Counts())

	g.Close()
	assert.Zero(t, g.Len())
}

func TestRegisterRejectsDeadNodes(t *testing.T) {
	s := memscene.New()
	g := newRegistry(s)
	o := s.Add("ghost")
	s.Destroy(o)
	_, err := g.Register(KindItem, o, Profile{})
	require.Error(t, err)
	_, err = g.Register(KindItem, nil, Profile{})
	require.Error(t, err)
}

func TestHasItemSuffix(t *testing.T) {
	suffixes := []string{"(itemx)", "(Clone)"}
	assert.True(t, HasItemSuffix("bucket(itemx)", suffixes))
	assert.True(t, HasItemSuffix("battery(Clone)", suffixes))
	assert.False(t, HasItemSuffix("STORE", suffixes))
}
