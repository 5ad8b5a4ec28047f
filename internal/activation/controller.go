// Package activation decides, once per tick, which registered entities should
// be simulated and applies each transition through the record's strategy.
package activation

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"scenewarden/internal/diag"
	"scenewarden/internal/exceptions"
	"scenewarden/internal/preserve"
	"scenewarden/internal/registry"
	"scenewarden/internal/scene"
)

// Event describes one applied, skipped or failed transition.
type Event struct {
	Tick   uint64 `json:"tick"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Active bool   `json:"active"`
	Via    string `json:"via,omitempty"`
	Reason string `json:"reason,omitempty"`
	// Exception names the table entry that altered or skipped the transition.
	Exception string `json:"exception,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	Fault     string `json:"fault,omitempty"`
}

// Sink receives transition events on the controller goroutine.
type Sink interface {
	Transition(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Transition(e Event) { f(e) }

type Options struct {
	// Multiplier scales every distance threshold uniformly.
	Multiplier float64
	Preserver  preserve.Preserver
	Exceptions *exceptions.Table
	Host       scene.Host
	World      scene.World
	Log        *logrus.Entry
}

type Stats struct {
	Ticks       uint64 `json:"ticks"`
	Transitions uint64 `json:"transitions"`
	Skips       uint64 `json:"skips"`
	Faults      uint64 `json:"faults"`
	Coalesced   uint64 `json:"coalesced"`
	Missing     uint64 `json:"missing"`
}

type Controller struct {
	reg  *registry.Registry
	opts Options
	log  *logrus.Entry

	observer scene.Vec3
	tick     uint64
	sinks    []Sink
	stats    Stats

	inbox chan Request
	calls chan call
	stop  chan struct{}
}

func New(reg *registry.Registry, opts Options) *Controller {
	if opts.Multiplier <= 0 {
		opts.Multiplier = 1
	}
	if opts.World == nil {
		opts.World = scene.NopWorld{}
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		reg:   reg,
		opts:  opts,
		log:   opts.Log,
		inbox: make(chan Request, 1024),
		calls: make(chan call, 64),
		stop:  make(chan struct{}),
	}
}

func (c *Controller) AddSink(s Sink) { c.sinks = append(c.sinks, s) }

func (c *Controller) SetObserver(p scene.Vec3) { c.observer = p }
func (c *Controller) Observer() scene.Vec3     { return c.observer }

// SetMultiplier changes the global distance multiplier; values <= 0 reset it to 1.
func (c *Controller) SetMultiplier(m float64) {
	if m <= 0 {
		m = 1
	}
	c.opts.Multiplier = m
}

func (c *Controller) Multiplier() float64 { return c.opts.Multiplier }

func (c *Controller) SetExceptions(t *exceptions.Table) { c.opts.Exceptions = t }

func (c *Controller) Stats() Stats       { return c.stats }
func (c *Controller) CurrentTick() uint64 { return c.tick }

// Threshold is the effective toggle distance of rec. Extra-care entities are
// never brought closer than their configured distance by the multiplier.
func (c *Controller) Threshold(rec *registry.Record) float64 {
	d := rec.Profile.Distance * c.opts.Multiplier
	if rec.Profile.ExtraCare && d < rec.Profile.Distance {
		return rec.Profile.Distance
	}
	return d
}

// InRange reports whether rec lies within its threshold of the observer. The
// boundary itself counts as in range.
func (c *Controller) InRange(rec *registry.Record) bool {
	thr := c.Threshold(rec)
	return rec.Node.WorldPosition().DistSq(c.observer) <= thr*thr
}

// Tick runs one distance pass over every live record in registration order.
func (c *Controller) Tick(tick uint64) {
	c.tick = tick
	c.stats.Ticks++
	c.reg.Each(c.distancePass)
}

// distancePass updates the distance reason of one record. A host panic while
// reading the node faults that record only.
func (c *Controller) distancePass(rec *registry.Record) {
	defer func() {
		if r := recover(); r != nil {
			ev := Event{Tick: c.tick, ID: rec.ID, Name: rec.Name, Kind: rec.Kind.String(), Active: rec.Active, Reason: "distance"}
			c.fault(rec, &ev, diag.Recovered(r))
		}
	}()
	if rec.Kind == registry.KindOccluder || !scene.Alive(rec.Node) {
		return
	}
	c.SetReason(rec, registry.ReasonDistance, !c.InRange(rec))
}

// SetReason sets or clears one deactivation reason and requests the
// resulting desired state.
func (c *Controller) SetReason(rec *registry.Record, r registry.Reason, on bool) {
	if on {
		rec.Reasons |= r
	} else {
		rec.Reasons &^= r
	}
	c.Request(rec, rec.DesiredActive())
}

// Request asks for rec to become active or inactive. A request arriving while
// rec is mid-transition is parked and applied once the current one finishes;
// the last parked value wins.
func (c *Controller) Request(rec *registry.Record, want bool) {
	if rec.Busy {
		rec.Pending, rec.HasPending = want, true
		c.stats.Coalesced++
		return
	}
	for {
		c.transition(rec, want)
		if !rec.HasPending {
			return
		}
		want = rec.Pending
		rec.HasPending = false
	}
}

func (c *Controller) subject(rec *registry.Record, strategy registry.Strategy) exceptions.Subject {
	return exceptions.Subject{
		Name:     rec.Name,
		Kind:     rec.Kind.String(),
		Strategy: strategy.String(),
		Node:     rec.Node,
		Host:     c.opts.Host,
		World:    c.opts.World,
		Observer: c.observer,
	}
}

// transition evaluates the exception table and applies one state change.
// Everything that touches the host runs under a recover, so a malformed
// entity faults alone and the rest of the pass continues.
func (c *Controller) transition(rec *registry.Record, want bool) {
	if rec.Inert || rec.Removed() || rec.Active == want {
		return
	}
	ev := Event{Tick: c.tick, ID: rec.ID, Name: rec.Name, Kind: rec.Kind.String(), Active: want, Reason: rec.Reasons.String()}
	defer func() {
		if r := recover(); r != nil {
			rec.Busy = false
			c.fault(rec, &ev, diag.Recovered(r))
		}
	}()
	if !scene.Alive(rec.Node) {
		c.stats.Missing++
		return
	}

	via := rec.Strategy
	if want {
		via = rec.Via
	}

	v := c.evaluate(rec, via, want)
	if v.Action == exceptions.ActionPhysicsOnly && !want && via == registry.StrategyDefault {
		// The reduced path carries its own guards; run the table again for it.
		via = registry.StrategyPhysicsOnly
		if g := c.evaluate(rec, via, want); g.Action == exceptions.ActionSkip || g.Action == exceptions.ActionForceActive {
			v = g
		}
	}
	ev.Exception = v.Entry
	switch v.Action {
	case exceptions.ActionSkip:
		c.skip(rec, &ev)
		return
	case exceptions.ActionForceActive:
		want = true
		ev.Active = true
		if rec.Active {
			c.skip(rec, &ev)
			return
		}
	case exceptions.ActionBasic:
		if !want {
			via = registry.SoftStrategy(rec.Kind)
		}
	case exceptions.ActionDisableChild:
		if ch := rec.Node.Find(v.Args.Child); ch != nil {
			ch.SetActive(false)
		} else {
			c.log.WithFields(logrus.Fields{"id": rec.ID, "child": v.Args.Child}).Debug("exception child missing")
		}
	}
	ev.Via = via.String()

	rec.Busy = true
	err := c.apply(rec, via, want)
	rec.Busy = false

	switch {
	case errors.Is(err, diag.ErrResourceMissing):
		c.stats.Missing++
		rec.LastAction = "missing: " + err.Error()
		ev.Skipped = true
		c.log.WithFields(logrus.Fields{"id": rec.ID, "error": err}).Debug("transition skipped")
		c.emit(ev)
	case err != nil:
		c.fault(rec, &ev, err)
	default:
		rec.Active = want
		rec.Via = via
		rec.Transitions++
		rec.LastAction = fmt.Sprintf("%s via %s", activeWord(want), via)
		c.stats.Transitions++
		c.log.WithFields(logrus.Fields{"id": rec.ID, "active": want, "via": via.String()}).Debug("transition")
		c.emit(ev)
	}
}

// Release forces rec back to active through its current path, bypassing the
// exception table. Used when a session tears down or reloads so nothing is
// left deactivated behind the registry's back.
func (c *Controller) Release(rec *registry.Record) error {
	rec.Reasons = 0
	rec.HasPending = false
	if rec.Inert || rec.Active || !scene.Alive(rec.Node) {
		return nil
	}
	if err := c.apply(rec, rec.Via, true); err != nil {
		rec.Faults++
		rec.LastFault = err.Error()
		c.stats.Faults++
		return &diag.ToggleFault{Entity: rec.ID, Want: true, Cause: err}
	}
	rec.Active = true
	rec.Transitions++
	rec.LastAction = "released via " + rec.Via.String()
	c.stats.Transitions++
	c.emit(Event{Tick: c.tick, ID: rec.ID, Name: rec.Name, Kind: rec.Kind.String(), Active: true, Via: rec.Via.String(), Reason: "release"})
	return nil
}

// ReleaseAll releases every record, collecting faults.
func (c *Controller) ReleaseAll() error {
	var errs []error
	for _, rec := range c.reg.All() {
		if err := c.Release(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) evaluate(rec *registry.Record, via registry.Strategy, want bool) exceptions.Verdict {
	v, err := c.opts.Exceptions.Evaluate(c.subject(rec, via), exceptions.PhaseOf(want))
	if err != nil {
		c.log.WithFields(logrus.Fields{"id": rec.ID, "error": err}).Debug("exception predicate unavailable")
	}
	return v
}

// fault records a failed transition of rec as a ToggleFault. The record keeps
// its last applied state and is retried on a later pass.
func (c *Controller) fault(rec *registry.Record, ev *Event, err error) {
	fault := &diag.ToggleFault{Entity: rec.ID, Want: ev.Active, Cause: err}
	rec.Faults++
	rec.LastFault = fault.Error()
	c.stats.Faults++
	ev.Fault = fault.Error()
	c.log.WithFields(logrus.Fields{"id": rec.ID, "kind": rec.Kind.String(), "want": ev.Active}).WithError(fault).Error("toggle fault")
	c.emit(*ev)
}

// skip records an exception veto. Repeats of the same veto on later ticks
// are counted but not emitted.
func (c *Controller) skip(rec *registry.Record, ev *Event) {
	c.stats.Skips++
	msg := "skipped by " + ev.Exception
	if rec.LastAction == msg {
		return
	}
	rec.LastAction = msg
	ev.Skipped = true
	c.emit(*ev)
}

func (c *Controller) emit(e Event) {
	for _, s := range c.sinks {
		s.Transition(e)
	}
}

func activeWord(v bool) string {
	if v {
		return "activated"
	}
	return "deactivated"
}

// apply runs the handler and turns a host panic into an error.
func (c *Controller) apply(rec *registry.Record, via registry.Strategy, want bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = diag.Recovered(r)
		}
	}()
	switch via {
	case registry.StrategyDefault:
		if rec.Kind == registry.KindPlace {
			return c.applyPlace(rec, want)
		}
		return c.applyWhole(rec, want)
	case registry.StrategyPhysicsOnly:
		if rec.Kind == registry.KindVehicle {
			return c.applyDrive(rec, want)
		}
		if rec.Kind == registry.KindPlace {
			return c.applyPlaceBasic(rec, want)
		}
		return c.applyBasic(rec, want)
	case registry.StrategyRendererOnly:
		return applyRenderer(rec.Node, want)
	case registry.StrategyIgnore:
		return nil
	}
	return fmt.Errorf("unknown strategy %d", via)
}
