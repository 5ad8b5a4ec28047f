package activation

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scenewarden/internal/exceptions"
	"scenewarden/internal/preserve"
	"scenewarden/internal/registry"
	"scenewarden/internal/rules"
	"scenewarden/internal/scene"
	"scenewarden/internal/scene/memscene"
)

type harness struct {
	s      *memscene.Scene
	reg    *registry.Registry
	c      *Controller
	events []Event
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newHarness(t *testing.T, lines ...string) *harness {
	t.Helper()
	s := memscene.New()
	tbl, err := exceptions.Default()
	require.NoError(t, err)
	rs := rules.NewStore(rules.Source{Name: "test.rules", Lines: lines})
	reg := registry.New(registry.DefaultConfig(), rs, s, quietLog())
	h := &harness{s: s, reg: reg}
	h.c = New(reg, Options{
		Preserver:  preserve.New(preserve.DefaultFallHeight, nil),
		Exceptions: tbl,
		Host:       s,
		World:      s,
		Log:        quietLog(),
	})
	h.c.AddSink(SinkFunc(func(e Event) { h.events = append(h.events, e) }))
	return h
}

func (h *harness) register(t *testing.T, kind registry.Kind, o *memscene.Object, p registry.Profile) *registry.Record {
	t.Helper()
	rec, err := h.reg.Register(kind, o, p)
	require.NoError(t, err)
	return rec
}

func (h *harness) observeAt(x float64, tick uint64) {
	h.c.SetObserver(scene.Vec3{X: x})
	h.c.Tick(tick)
}

func TestScenarioA_IgnoreFullStaysActive(t *testing.T) {
	h := newHarness(t, "ignore_full: barrel_01")
	barrel := h.s.Add("barrel_01").WithBody()
	rec := h.register(t, registry.KindItem, barrel, registry.Profile{})

	h.observeAt(10000, 1)
	h.c.Request(rec, false)

	assert.True(t, rec.Active)
	assert.True(t, barrel.ActiveSelf())
	assert.Zero(t, barrel.SetActiveCalls)
	assert.Empty(t, h.events)
}

func TestScenarioBC_DeactivateThenRestore(t *testing.T) {
	h := newHarness(t)
	crate := h.s.Add("crate_02").At(0, 1, 0).WithBody()
	rot := scene.Quat{X: 0, Y: 0.3826834, Z: 0, W: 0.9238795}
	crate.SetLocalTransform(scene.Transform{Position: scene.Vec3{Y: 1}, Rotation: rot})
	rec := h.register(t, registry.KindItem, crate, registry.Profile{Distance: 200})

	h.observeAt(250, 1)
	require.False(t, rec.Active)
	require.False(t, crate.ActiveSelf())
	require.True(t, rec.HasSaved)
	saved := rec.Saved
	assert.True(t, saved.ApproxEqual(scene.Transform{Position: scene.Vec3{Y: 1}, Rotation: rot}, 1e-4))

	// The host drifts the sleeping object.
	crate.At(3, -2, 7)

	h.observeAt(50, 2)
	require.True(t, rec.Active)
	assert.True(t, crate.ActiveSelf())
	assert.True(t, crate.LocalTransform().ApproxEqual(saved, 1e-4))
	assert.False(t, rec.HasSaved, "saved transform is only held while inactive")
	assert.Equal(t, 2, crate.SetActiveCalls)
	require.Len(t, h.events, 2)
	assert.Equal(t, "default", h.events[0].Via)
}

func TestIdempotentRequests(t *testing.T) {
	h := newHarness(t)
	crate := h.s.Add("crate_02")
	rec := h.register(t, registry.KindItem, crate, registry.Profile{})

	h.c.Request(rec, false)
	h.c.Request(rec, false)
	assert.Equal(t, 1, crate.SetActiveCalls)
	h.c.Request(rec, true)
	h.c.Request(rec, true)
	assert.Equal(t, 2, crate.SetActiveCalls)
	assert.Equal(t, 2, rec.Transitions)
}

func TestThresholdMonotonic(t *testing.T) {
	h := newHarness(t)
	crate := h.s.Add("crate_02")
	rec := h.register(t, registry.KindItem, crate, registry.Profile{Distance: 200})

	h.observeAt(400, 0)
	require.False(t, rec.Active)
	crossings := 0
	prev := rec.Active
	var tick uint64
	for d := 400.0; d >= 0; d -= 0.5 {
		tick++
		h.observeAt(d, tick)
		if rec.Active != prev {
			crossings++
			prev = rec.Active
		}
		if d == 200 {
			assert.True(t, rec.Active, "exact threshold counts as in range")
		}
	}
	assert.Equal(t, 1, crossings)
}

func TestMultiplierAndExtraCare(t *testing.T) {
	h := newHarness(t)
	a := h.register(t, registry.KindVehicle, h.s.Add("GIFU"), registry.Profile{Distance: 100})
	b := h.register(t, registry.KindVehicle, h.s.Add("KEKMET"), registry.Profile{Distance: 100, ExtraCare: true})

	h.c.SetMultiplier(2)
	assert.Equal(t, 200.0, h.c.Threshold(a))
	h.c.SetMultiplier(0.5)
	assert.Equal(t, 50.0, h.c.Threshold(a))
	assert.Equal(t, 100.0, h.c.Threshold(b))
	h.c.SetMultiplier(0)
	assert.Equal(t, 100.0, h.c.Threshold(a))
}

func TestSoftIgnoreUsesReducedPath(t *testing.T) {
	h := newHarness(t, "ignore: crate_01")
	crate := h.s.Add("crate_01").WithBody().WithRenderer()
	rec := h.register(t, registry.KindItem, crate, registry.Profile{})

	h.observeAt(500, 1)
	assert.False(t, rec.Active)
	assert.True(t, crate.ActiveSelf(), "soft ignore never deactivates the object")
	assert.Zero(t, crate.SetActiveCalls)
	assert.False(t, crate.RigidBody().Gravity())
	assert.True(t, crate.RigidBody().Kinematic())
	assert.False(t, crate.RigidBody().DetectCollisions())
	assert.False(t, crate.Render().Enabled())

	h.observeAt(0, 2)
	assert.True(t, rec.Active)
	assert.True(t, crate.RigidBody().Gravity())
	assert.True(t, crate.Render().Enabled())
}

func TestFaultIsolation(t *testing.T) {
	h := newHarness(t)
	bad := h.s.Add("bad_crate")
	bad.PanicOnToggle = true
	good := h.s.Add("good_crate")
	rb := h.register(t, registry.KindItem, bad, registry.Profile{})
	rg := h.register(t, registry.KindItem, good, registry.Profile{})

	h.observeAt(1000, 1)

	assert.True(t, rb.Active, "faulted record keeps its last applied state")
	assert.False(t, rb.HasSaved)
	assert.Equal(t, 1, rb.Faults)
	assert.Contains(t, rb.LastFault, "bad_crate")
	assert.False(t, rg.Active, "sibling still transitions")
	assert.False(t, good.ActiveSelf())
	assert.Equal(t, uint64(1), h.c.Stats().Faults)
	require.Len(t, h.events, 2)
	assert.NotEmpty(t, h.events[0].Fault)

	bad.PanicOnToggle = false
	h.observeAt(1000, 2)
	assert.False(t, rb.Active, "a later tick retries the faulted record")
}

// brokenNode panics from node reads the way a half-destroyed host object can.
type brokenNode struct {
	*memscene.Object
	rootPanics bool
	posPanics  bool
}

func (n *brokenNode) Root() scene.Node {
	if n.rootPanics {
		panic("host fault in Root")
	}
	return n.Object.Root()
}

func (n *brokenNode) WorldPosition() scene.Vec3 {
	if n.posPanics {
		panic("host fault in WorldPosition")
	}
	return n.Object.WorldPosition()
}

func TestHostFaultDuringEvaluationIsIsolated(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*brokenNode)
	}{
		{"exception predicate", func(n *brokenNode) { n.rootPanics = true }},
		{"distance read", func(n *brokenNode) { n.posPanics = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			node := &brokenNode{Object: h.s.Add("bad_crate(itemx)")}
			rb, err := h.reg.Register(registry.KindItem, node, registry.Profile{})
			require.NoError(t, err)
			good := h.s.Add("good_crate(itemx)")
			rg := h.register(t, registry.KindItem, good, registry.Profile{})
			tc.setup(node)

			require.NotPanics(t, func() { h.observeAt(1000, 1) })

			assert.True(t, rb.Active)
			assert.False(t, rb.Busy)
			assert.Equal(t, 1, rb.Faults)
			assert.Contains(t, rb.LastFault, "host fault")
			assert.False(t, rg.Active, "sibling still transitions")
			assert.False(t, good.ActiveSelf())
			assert.Equal(t, uint64(1), h.c.Stats().Faults)

			node.rootPanics, node.posPanics = false, false
			h.observeAt(1000, 2)
			assert.False(t, rb.Active, "a later tick retries the faulted record")
		})
	}
}

// reentrantNode asks for the opposite state while its own transition is
// being applied, as a host callback could.
type reentrantNode struct {
	*memscene.Object
	c     *Controller
	rec   *registry.Record
	fired bool
}

func (n *reentrantNode) SetActive(v bool) {
	n.Object.SetActive(v)
	if !n.fired {
		n.fired = true
		n.c.Request(n.rec, !v)
	}
}

func TestRequestDuringTransitionIsCoalesced(t *testing.T) {
	h := newHarness(t)
	obj := h.s.Add("lamp")
	node := &reentrantNode{Object: obj, c: h.c}
	rec, err := h.reg.Register(registry.KindObject, node, registry.Profile{})
	require.NoError(t, err)
	node.rec = rec

	h.c.Request(rec, false)

	assert.True(t, rec.Active, "parked request applied after the first transition")
	assert.True(t, obj.ActiveSelf())
	assert.Equal(t, 2, rec.Transitions)
	assert.Equal(t, uint64(1), h.c.Stats().Coalesced)
	assert.False(t, rec.Busy)
}

func TestOcclusionReasonCombinesWithDistance(t *testing.T) {
	h := newHarness(t)
	box := h.s.Add("ToolBox")
	rec := h.register(t, registry.KindItem, box, registry.Profile{})

	h.observeAt(10, 1)
	h.c.SetReason(rec, registry.ReasonOccluded, true)
	assert.False(t, rec.Active)

	h.observeAt(10, 2)
	assert.False(t, rec.Active, "still occluded")

	h.c.SetReason(rec, registry.ReasonOccluded, false)
	assert.True(t, rec.Active)
	assert.Equal(t, 2, box.SetActiveCalls)
}

func TestVehicleHoldsChildrenWhileAsleep(t *testing.T) {
	h := newHarness(t)
	truck := h.s.Add("GIFU(750/450psi)").At(0, 0, 0)
	audio := truck.Add("engine audio")
	rec := h.register(t, registry.KindVehicle, truck, registry.Profile{})

	h.observeAt(500, 1)
	require.False(t, truck.ActiveSelf())
	assert.Equal(t, "GIFU(750/450psi)_TEMP", audio.Parent().Name())
	assert.True(t, audio.ActiveSelf())

	h.observeAt(0, 2)
	require.True(t, rec.Active)
	assert.Equal(t, "GIFU(750/450psi)", audio.Parent().Name())
}

func TestPhysicsOnlyVehicle(t *testing.T) {
	h := newHarness(t)
	van := h.s.Add("FERNDALE").WithBody().WithDynamics(true)
	rec := h.register(t, registry.KindVehicle, van, registry.Profile{PhysicsOnly: true, FreezeOnSleep: true})

	van.RigidBody().SetVelocity(scene.Vec3{X: 5})
	h.observeAt(500, 1)
	assert.True(t, rec.Active, "moving vehicle must not sleep")
	assert.Equal(t, "skipped by vehicle_moving", rec.LastAction)

	van.RigidBody().SetVelocity(scene.Vec3{})
	h.observeAt(500, 2)
	assert.False(t, rec.Active)
	assert.True(t, van.ActiveSelf())
	assert.False(t, van.Drive().Enabled())
	assert.True(t, van.RigidBody().Kinematic())
	assert.Equal(t, scene.FreezePosition, van.RigidBody().Constraints())

	h.observeAt(0, 3)
	assert.True(t, rec.Active)
	assert.True(t, van.Drive().Enabled())
	assert.Equal(t, scene.ConstraintsNone, van.RigidBody().Constraints())
}

func TestHayosikoWithoutKeyDegrades(t *testing.T) {
	h := newHarness(t)
	van := h.s.Add("HAYOSIKO(1500kg, 250)").WithBody().WithDynamics(true)
	rec := h.register(t, registry.KindVehicle, van, registry.Profile{})

	h.observeAt(500, 1)
	assert.False(t, rec.Active)
	assert.True(t, van.ActiveSelf(), "no key: physics-only sleep")
	assert.Equal(t, registry.StrategyPhysicsOnly, rec.Via)

	h.s.SetFact("hayosiko_key", true)
	h.observeAt(0, 2)
	assert.True(t, rec.Active)
	assert.True(t, van.Drive().Enabled(), "wakes through the path it slept on")
	assert.Equal(t, registry.StrategyDefault, rec.Strategy)

	h.observeAt(500, 3)
	assert.False(t, van.ActiveSelf(), "with the key the van deactivates fully")
}

func TestHayosikoWithoutKeyKeepsDriveGuards(t *testing.T) {
	h := newHarness(t)
	van := h.s.Add("HAYOSIKO(1500kg, 250)").WithBody().WithDynamics(true)
	rec := h.register(t, registry.KindVehicle, van, registry.Profile{})

	van.RigidBody().SetVelocity(scene.Vec3{X: 5})
	h.observeAt(500, 1)
	assert.True(t, rec.Active)
	assert.True(t, van.Drive().Enabled(), "a moving van keeps its drive")
	assert.Equal(t, "skipped by vehicle_moving", rec.LastAction)

	van.RigidBody().SetVelocity(scene.Vec3{})
	van.Drive().SetOnGround(false)
	h.observeAt(500, 2)
	assert.True(t, rec.Active)
	assert.Equal(t, "skipped by vehicle_airborne", rec.LastAction)

	van.Drive().SetOnGround(true)
	h.observeAt(500, 3)
	assert.False(t, rec.Active)
	assert.Equal(t, registry.StrategyPhysicsOnly, rec.Via)
}

func TestBoatDeactivatesWhole(t *testing.T) {
	h := newHarness(t)
	boat := h.s.Add("BOAT").WithBody().WithDynamics(true)
	rec := h.register(t, registry.KindVehicle, boat, registry.Profile{Distance: 400})

	h.observeAt(500, 1)
	assert.False(t, rec.Active)
	assert.False(t, boat.ActiveSelf())
	assert.Equal(t, registry.StrategyDefault, rec.Via)
}

func TestOldMethodItemKeepsObjectActive(t *testing.T) {
	h := newHarness(t)
	bucket := h.s.Add("bucket(itemx)").WithBody().WithRenderer()
	rec := h.register(t, registry.KindItem, bucket, registry.Profile{})

	h.observeAt(1000, 1)
	assert.False(t, rec.Active)
	assert.True(t, bucket.ActiveSelf(), "old method never deactivates the object")
	assert.Zero(t, bucket.SetActiveCalls)
	assert.False(t, bucket.Render().Enabled())
	assert.True(t, bucket.RigidBody().Kinematic())
	require.NotEmpty(t, h.events)
	assert.Equal(t, "old_method_items", h.events[0].Exception)

	h.observeAt(0, 2)
	assert.True(t, rec.Active)
	assert.True(t, bucket.Render().Enabled())
}

func TestGarbageBarrelFirePutOut(t *testing.T) {
	h := newHarness(t)
	barrel := h.s.Add("garbage barrel(itemx)").WithBody()
	fire := barrel.Add("Fire")
	rec := h.register(t, registry.KindItem, barrel, registry.Profile{})

	h.observeAt(1000, 1)
	assert.False(t, rec.Active)
	assert.False(t, barrel.ActiveSelf())
	assert.False(t, fire.ActiveSelf())

	h.observeAt(0, 2)
	assert.True(t, barrel.ActiveSelf())
	assert.False(t, fire.ActiveSelf(), "fire stays out after wake")
}

func TestKekmetRecouplesOnWake(t *testing.T) {
	h := newHarness(t)
	tractor := h.s.Add("KEKMET(350-400psi)").At(0, 0, 0)
	tractor.Add("Trailer").Add("Hook").At(0, 0, -5)
	h.s.Add("FLATBED").At(0, 0, -5.2).Add("HookTarget")
	rec := h.register(t, registry.KindVehicle, tractor, registry.Profile{})
	h.s.SetFact("trailer_attached", true)

	h.observeAt(500, 1)
	require.False(t, rec.Active)
	h.observeAt(0, 2)
	require.True(t, rec.Active)
	attached, ok := h.s.Coupled("kekmet_trailer")
	require.True(t, ok)
	assert.True(t, attached)
}

func TestPlaceCascade(t *testing.T) {
	h := newHarness(t, "ignore_at_place: STORE Bike")
	store := h.s.Add("STORE").At(0, 0, 0)
	opening := store.WithBehavior("Opening")
	shelf := store.Add("Shelf")
	bike := store.Add("TeimoBike")
	rec := h.register(t, registry.KindPlace, store, registry.Profile{Distance: 300, Behaviors: true})

	h.observeAt(301, 1)
	assert.False(t, rec.Active)
	assert.True(t, store.ActiveSelf(), "the place node itself stays active")
	assert.False(t, shelf.ActiveSelf())
	assert.True(t, bike.ActiveSelf())
	assert.False(t, opening.Enabled())
	assert.False(t, rec.HasSaved)

	h.observeAt(10, 2)
	assert.True(t, shelf.ActiveSelf())
	assert.True(t, opening.Enabled())
}

func TestItemExceptionSkipsTransition(t *testing.T) {
	h := newHarness(t)
	axle := h.s.Add("pivot_wheel_standard")
	wheel := axle.Add("wheel_regula")
	rec := h.register(t, registry.KindItem, wheel, registry.Profile{})

	h.observeAt(1000, 1)
	assert.True(t, rec.Active)
	assert.Zero(t, wheel.SetActiveCalls)
	require.Len(t, h.events, 1)
	assert.True(t, h.events[0].Skipped)
	assert.Equal(t, "wheel_on_axle", h.events[0].Exception)
}

func TestMissingComponentIsSkipNotFault(t *testing.T) {
	h := newHarness(t, "toggle_renderer: ghost_sign")
	sign := h.s.Add("ghost_sign")
	rec := h.register(t, registry.KindObject, sign, registry.Profile{Mode: rules.ModeRenderer})

	h.observeAt(1000, 1)
	assert.True(t, rec.Active)
	assert.Zero(t, rec.Faults)
	assert.Equal(t, uint64(1), h.c.Stats().Missing)
}

func TestDrainCoalescesPerNode(t *testing.T) {
	h := newHarness(t)
	box := h.s.Add("ToolBox")
	rec := h.register(t, registry.KindOccluder, box, registry.Profile{})
	stray := h.s.Add("unregistered")

	n := h.c.Drain([]Request{
		{Node: box, Reason: registry.ReasonOccluded, On: true},
		{Node: stray, Reason: registry.ReasonOccluded, On: true},
		{Node: box, Reason: registry.ReasonOccluded, On: false},
		{Node: box, Reason: registry.ReasonOccluded, On: true},
	})
	assert.Equal(t, 1, n)
	assert.False(t, rec.Active)
	assert.Equal(t, 1, box.SetActiveCalls)

	h.c.Tick(1)
	assert.False(t, rec.Active, "occluders ignore the distance pass")
}

func TestRunDrainsPostsAndCalls(t *testing.T) {
	h := newHarness(t)
	box := h.s.Add("ToolBox")
	rec := h.register(t, registry.KindOccluder, box, registry.Profile{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ticks := make(chan uint64, 128)
	done := make(chan error, 1)
	go func() {
		done <- h.c.Run(ctx, 200, func(tick uint64) {
			select {
			case ticks <- tick:
			default:
			}
		})
	}()

	require.True(t, h.c.Post(Request{Node: box, Reason: registry.ReasonOccluded, On: true}))
	<-ticks

	assert.Eventually(t, func() bool {
		active := true
		if err := h.c.Do(ctx, func() { active = rec.Active }); err != nil {
			return false
		}
		return !active
	}, 2*time.Second, 10*time.Millisecond)

	h.c.Stop()
	require.NoError(t, <-done)
	assert.ErrorIs(t, h.c.Do(ctx, func() {}), ErrStopped)
}
