// Package session is the per-scene context: it owns the rule store, entity
// registry, activation controller, scheduler and occlusion monitors of one
// loaded scene, and tears all of them down together.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"scenewarden/internal/activation"
	"scenewarden/internal/diag"
	"scenewarden/internal/exceptions"
	"scenewarden/internal/occlusion"
	"scenewarden/internal/preserve"
	"scenewarden/internal/registry"
	"scenewarden/internal/rules"
	"scenewarden/internal/scene"
	"scenewarden/internal/schedule"
	"scenewarden/internal/tuning"
)

type Options struct {
	ID     string
	Tuning tuning.Tuning
	Host   scene.Host
	World  scene.World
	// Sources are the initial rule sources. Nil reads Tuning.RulesDir.
	Sources []rules.Source
	// Exceptions overrides Tuning.Exceptions.
	Exceptions *exceptions.Table
	// Occlusion overrides Tuning.Occlusion.Table.
	Occlusion *occlusion.Table
	Sampler   occlusion.Sampler
	Now       func() time.Time
	Log       *logrus.Entry
}

type Session struct {
	ID string

	tune  tuning.Tuning
	host  scene.Host
	world scene.World
	now   func() time.Time
	log   *logrus.Entry

	rules *rules.Store
	reg   *registry.Registry
	ctl   *activation.Controller
	sched *schedule.Scheduler
	occ   *occlusion.System

	occTable  *occlusion.Table
	diags     []diag.Diagnostic
	diagSinks []func(diag.Diagnostic)
	onTick    []func(tick uint64)

	hooked    bool
	reloading bool
	rescans   int

	viewMu sync.Mutex
	view   scene.Viewpoint

	debug   atomic.Bool
	running atomic.Bool
	loop    sync.WaitGroup
}

func New(opts Options) (*Session, error) {
	if opts.Host == nil {
		return nil, errors.New("session: nil host")
	}
	if opts.World == nil {
		opts.World = scene.NopWorld{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	t := opts.Tuning
	log := opts.Log.WithField("session", opts.ID)

	srcs := opts.Sources
	if srcs == nil {
		var err error
		srcs, err = rules.ReadDir(t.RulesDir, t.RulesExt)
		if err != nil {
			return nil, fmt.Errorf("read rules: %w", err)
		}
	}

	table := opts.Exceptions
	if table == nil {
		var err error
		table, err = exceptions.Load(t.Exceptions)
		if err != nil {
			return nil, err
		}
	}

	occTable := opts.Occlusion
	if occTable == nil && t.Occlusion.Enabled {
		var err error
		occTable, err = occlusion.LoadTable(t.Occlusion.Table)
		if err != nil {
			return nil, fmt.Errorf("occlusion table: %w", err)
		}
	}

	s := &Session{
		ID:       opts.ID,
		tune:     t,
		host:     opts.Host,
		world:    opts.World,
		now:      opts.Now,
		log:      log,
		rules:    rules.NewStore(srcs...),
		occTable: occTable,
	}

	regCfg := registry.DefaultConfig()
	regCfg.ActiveDistance = t.ActiveDistance
	regCfg.VehiclesPhysicsOnly = t.VehiclesPhysicsOnly
	s.reg = registry.New(regCfg, s.rules, s.host, log.WithField("component", "registry"))
	s.reg.OnRemove(s.removed)

	s.ctl = activation.New(s.reg, activation.Options{
		Multiplier: t.DistanceMultiplier,
		Preserver:  preserve.New(t.FallHeight, s.anchor),
		Exceptions: table,
		Host:       s.host,
		World:      s.world,
		Log:        log.WithField("component", "activation"),
	})
	s.ctl.AddSink(activation.SinkFunc(s.debugEvent))
	s.sched = schedule.New(s.now, log.WithField("component", "schedule"))

	if occTable != nil {
		sampler := opts.Sampler
		if sampler == nil {
			sampler = occlusion.ConeSampler{FOVDegrees: t.Occlusion.FOVDegrees}
		}
		s.occ = occlusion.NewSystem(nil, sampler, occlusion.Config{
			SampleEveryTicks: t.Occlusion.SampleEveryTicks,
			HideDelay:        t.Occlusion.HideDelayTicks,
			MinDistance:      t.Occlusion.MinDistance,
			ViewDistance:     t.Occlusion.ViewDistance,
		}, s.postOcclusion, log.WithField("component", "occlusion"))
	}
	return s, nil
}

// AddSink subscribes to transition events. Call before Run.
func (s *Session) AddSink(sink activation.Sink) { s.ctl.AddSink(sink) }

// OnDiagnostic subscribes to every diagnostic the session reports from now on.
func (s *Session) OnDiagnostic(fn func(diag.Diagnostic)) { s.diagSinks = append(s.diagSinks, fn) }

// OnTick runs fn on the loop after every tick's pass.
func (s *Session) OnTick(fn func(tick uint64)) { s.onTick = append(s.onTick, fn) }

func (s *Session) Tuning() tuning.Tuning              { return s.tune }
func (s *Session) Host() scene.Host                   { return s.host }
func (s *Session) Registry() *registry.Registry       { return s.reg }
func (s *Session) Controller() *activation.Controller { return s.ctl }
func (s *Session) Scheduler() *schedule.Scheduler     { return s.sched }
func (s *Session) Occlusion() *occlusion.System       { return s.occ }
func (s *Session) Rules() *rules.Store                { return s.rules }
func (s *Session) Diagnostics() []diag.Diagnostic     { return append([]diag.Diagnostic(nil), s.diags...) }
func (s *Session) Debug() bool                        { return s.debug.Load() }
func (s *Session) Rescans() int                       { return s.rescans }
func (s *Session) Entities() []registry.View          { return s.reg.Views() }
func (s *Session) RuleSummary() rules.Summary         { return s.rules.Summary() }
func (s *Session) Stats() activation.Stats            { return s.ctl.Stats() }
func (s *Session) SetMultiplier(m float64)            { s.ctl.SetMultiplier(m) }
func (s *Session) SetExceptions(t *exceptions.Table)  { s.ctl.SetExceptions(t) }
func (s *Session) Running() bool                      { return s.running.Load() }

func (s *Session) SetDebug(on bool) {
	if s.debug.Swap(on) != on {
		s.log.WithField("debug", on).Info("debug visualization toggled")
	}
}

func (s *Session) SetViewpoint(v scene.Viewpoint) {
	s.viewMu.Lock()
	s.view = v
	s.viewMu.Unlock()
}

func (s *Session) Viewpoint() scene.Viewpoint {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	return s.view
}

func (s *Session) anchor() (scene.Vec3, bool) {
	if s.tune.RespawnAnchor == "" {
		return scene.Vec3{}, false
	}
	n := s.host.Find(s.tune.RespawnAnchor)
	if !scene.Alive(n) {
		return scene.Vec3{}, false
	}
	return n.WorldPosition(), true
}

func (s *Session) report(d diag.Diagnostic) {
	s.diags = append(s.diags, d)
	s.log.WithField("kind", string(d.Kind)).Warn(d.String())
	for _, fn := range s.diagSinks {
		fn(d)
	}
}

// AddDiagnostics records problems found outside the session, such as rule
// retrieval failures. Must run on the loop.
func (s *Session) AddDiagnostics(ds ...diag.Diagnostic) {
	for _, d := range ds {
		s.report(d)
	}
}

func (s *Session) forward(ds []diag.Diagnostic) {
	for _, d := range ds {
		s.diags = append(s.diags, d)
		for _, fn := range s.diagSinks {
			fn(d)
		}
	}
}

// Start registers every configured entity and attaches spawn hooks. It must
// run before Run or the first Step.
func (s *Session) Start() {
	for _, d := range s.rules.Diagnostics() {
		s.log.WithField("kind", string(d.Kind)).Warn(d.String())
	}
	s.forward(s.rules.Diagnostics())
	s.register()
	if !s.hooked {
		s.hookSpawnTriggers()
		s.hooked = true
	}
	s.log.WithFields(logrus.Fields{
		"entities": s.reg.Len(),
		"rules":    len(s.rules.Rules()),
		"sources":  len(s.rules.Sources()),
	}).Info("session started")
}

func (s *Session) register() {
	before := len(s.reg.Diagnostics())
	t := s.tune

	if t.ToggleVehicles {
		for _, v := range t.Vehicles {
			n := s.host.FindAnywhere(v.Name)
			if n == nil {
				s.report(diag.Diagnostic{Kind: diag.KindUnresolved, Source: "tuning", Message: fmt.Sprintf("vehicle %q not in scene", v.Name)})
				continue
			}
			s.registerOne(registry.KindVehicle, n, registry.Profile{
				Distance:      v.Distance,
				PhysicsOnly:   v.PhysicsOnly,
				FreezeOnSleep: v.FreezeOnSleep,
				ExtraCare:     v.ExtraCare,
			})
		}
	}

	for _, p := range t.Places {
		n := s.host.FindAnywhere(p.Name)
		if n == nil {
			s.report(diag.Diagnostic{Kind: diag.KindUnresolved, Source: "tuning", Message: fmt.Sprintf("place %q not in scene", p.Name)})
			continue
		}
		s.registerOne(registry.KindPlace, n, registry.Profile{
			Distance:  p.Distance,
			Exclude:   p.Exclude,
			Behaviors: p.Behaviors,
		})
	}

	for _, r := range s.rules.ToggleRules() {
		n := s.host.FindAnywhere(r.Target)
		if n == nil {
			s.report(diag.Diagnostic{Kind: diag.KindUnresolved, Source: r.Source, Line: r.Line, Message: fmt.Sprintf("%s target %q not in scene", r.Kind.Flag(), r.Target)})
			continue
		}
		s.registerOne(kindForMode(r.Mode), n, registry.Profile{Mode: r.Mode})
	}

	if t.ToggleItems {
		s.scanItems("")
	}

	if s.occ != nil {
		mons, ds := occlusion.Build(s.occTable, s.host, t.Occlusion.Table)
		for _, d := range ds {
			s.report(d)
		}
		for _, m := range mons {
			if _, ok := s.reg.Lookup(m.Node); !ok {
				s.registerOne(registry.KindOccluder, m.Node, registry.Profile{})
			}
		}
		s.occ.Replace(mons)
	}

	s.forward(s.reg.Diagnostics()[before:])
}

func kindForMode(m rules.ToggleMode) registry.Kind {
	switch m {
	case rules.ModeItem:
		return registry.KindItem
	case rules.ModeVehicle, rules.ModeVehiclePhysics:
		return registry.KindVehicle
	default:
		return registry.KindObject
	}
}

func (s *Session) registerOne(kind registry.Kind, n scene.Node, p registry.Profile) {
	if _, err := s.reg.Register(kind, n, p); err != nil {
		s.report(diag.Diagnostic{Kind: diag.KindMissing, Source: n.Name(), Message: err.Error()})
	}
}

// scanItems registers every unregistered scene object carrying an item
// suffix, narrowed to names containing match when set.
func (s *Session) scanItems(match string) int {
	added := 0
	for _, n := range s.host.All() {
		name := n.Name()
		if !registry.HasItemSuffix(name, s.tune.ItemSuffixes) {
			continue
		}
		if match != "" && !strings.Contains(name, match) {
			continue
		}
		if _, ok := s.reg.Lookup(n); ok {
			continue
		}
		if _, err := s.reg.Register(registry.KindItem, n, registry.Profile{}); err == nil {
			added++
		}
	}
	return added
}

func (s *Session) hookSpawnTriggers() {
	for _, st := range s.tune.SpawnTriggers {
		n := s.host.Find(st.Object)
		if n == nil {
			parts := strings.Split(st.Object, "/")
			n = s.host.FindAnywhere(parts[len(parts)-1])
		}
		if n == nil {
			s.report(diag.Diagnostic{Kind: diag.KindUnresolved, Source: "spawn_triggers", Message: fmt.Sprintf("trigger object %q not in scene", st.Object)})
			continue
		}
		d := schedule.After(time.Duration(st.DelaySeconds * float64(time.Second)))
		if st.DelayTicks > 0 {
			d = schedule.AfterTicks(uint64(st.DelayTicks))
		}
		slot, match := st.Slot, st.Match
		err := s.host.Hook(n, st.State, func() {
			s.sched.Schedule(slot, d, func() { s.rescan(slot, match) })
		})
		if err != nil {
			s.report(diag.Diagnostic{Kind: diag.KindMissing, Source: "spawn_triggers", Message: err.Error()})
		}
	}
}

func (s *Session) rescan(slot, match string) {
	s.rescans++
	added := s.scanItems(match)
	s.log.WithFields(logrus.Fields{"slot": slot, "added": added}).Debug("spawn rescan")
}

func (s *Session) removed(rec *registry.Record) {
	if s.reloading || s.occ == nil {
		return
	}
	s.occ.Forget(rec.Node)
}

func (s *Session) postOcclusion(n scene.Node, hidden bool) {
	if !s.ctl.Post(activation.Request{Node: n, Reason: registry.ReasonOccluded, On: hidden}) {
		s.log.WithField("node", n.Path()).Warn("occlusion request dropped, inbox full")
	}
}

func (s *Session) debugEvent(e activation.Event) {
	if !s.debug.Load() {
		return
	}
	s.log.WithFields(logrus.Fields{
		"tick": e.Tick, "id": e.ID, "active": e.Active, "via": e.Via,
		"reason": e.Reason, "exception": e.Exception, "fault": e.Fault,
	}).Info("transition")
}

// Step runs one tick: queued requests, delayed actions, then the distance pass.
func (s *Session) Step(tick uint64) {
	s.ctl.SetObserver(s.Viewpoint().Position)
	s.ctl.Flush()
	s.sched.Advance(tick)
	s.ctl.Tick(tick)
	for _, fn := range s.onTick {
		fn(tick)
	}
}

// Run drives the session at the configured tick rate until ctx ends or
// Close is called. The occlusion sampler runs on its own goroutine.
func (s *Session) Run(ctx context.Context) error {
	s.loop.Add(1)
	defer s.loop.Done()
	s.running.Store(true)
	defer s.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if s.occ != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.occ.Run(ctx, s.tune.TickRateHz, s.Viewpoint)
		}()
	}
	err := s.ctl.Run(ctx, s.tune.TickRateHz, s.Step)
	cancel()
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Do runs fn on the session loop, or inline when the loop is not running.
func (s *Session) Do(ctx context.Context, fn func()) error {
	if !s.running.Load() {
		fn()
		return nil
	}
	return s.ctl.Do(ctx, fn)
}

// Reload releases every entity, replaces the rule store with srcs and
// registers the scene again. Must run on the loop.
func (s *Session) Reload(srcs ...rules.Source) error {
	err := s.ctl.ReleaseAll()
	s.reloading = true
	s.reg.Close()
	s.reloading = false

	s.rules.Reload(srcs...)
	s.diags = nil
	s.forward(s.rules.Diagnostics())
	s.register()
	if s.occ != nil {
		s.occ.Reset()
	}
	s.log.WithFields(logrus.Fields{
		"entities": s.reg.Len(),
		"rules":    len(s.rules.Rules()),
	}).Info("rules reloaded")
	return err
}

// ReloadDir re-reads the configured rules directory and reloads.
func (s *Session) ReloadDir() error {
	srcs, err := rules.ReadDir(s.tune.RulesDir, s.tune.RulesExt)
	if err != nil {
		s.report(diag.Diagnostic{Kind: diag.KindRetrieval, Source: s.tune.RulesDir, Message: err.Error()})
		return err
	}
	return s.Reload(srcs...)
}

// Close stops the loop, waits for Run to return, then reactivates everything
// and empties the registry.
func (s *Session) Close() error {
	s.ctl.Stop()
	s.loop.Wait()
	err := s.ctl.ReleaseAll()
	s.reg.Close()
	s.log.Info("session closed")
	return err
}
