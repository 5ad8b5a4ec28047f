// Package registry owns the live entity records of one scene session and
// picks each record's toggle strategy from the rule store at registration.
package registry

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"scenewarden/internal/diag"
	"scenewarden/internal/rules"
	"scenewarden/internal/scene"
)

type Config struct {
	ActiveDistance      float64
	VehiclesPhysicsOnly bool
	// KeepNames are child-name substrings that stay alive while a vehicle sleeps.
	KeepNames []string
	// DestroyStates are behavior states after which an item is gone.
	DestroyStates []string
}

func DefaultConfig() Config {
	return Config{
		ActiveDistance: 200,
		KeepNames:      []string{"audio", "SoundSrc"},
		DestroyStates:  []string{"Destroy self", "Destroy", "Destroy 2"},
	}
}

type Registry struct {
	cfg   Config
	rules *rules.Store
	host  scene.Host
	log   *logrus.Entry

	byID   map[string]*Record
	byNode map[scene.Node]*Record
	order  []*Record
	ids    map[string]int

	onRemove []func(*Record)
	diags    []diag.Diagnostic
}

func New(cfg Config, rs *rules.Store, host scene.Host, log *logrus.Entry) *Registry {
	if cfg.ActiveDistance <= 0 {
		cfg.ActiveDistance = DefaultConfig().ActiveDistance
	}
	if rs == nil {
		rs = rules.NewStore()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		cfg:    cfg,
		rules:  rs,
		host:   host,
		log:    log,
		byID:   map[string]*Record{},
		byNode: map[scene.Node]*Record{},
		ids:    map[string]int{},
	}
}

// OnRemove subscribes fn to record removal, whatever caused it.
func (g *Registry) OnRemove(fn func(*Record)) { g.onRemove = append(g.onRemove, fn) }

// Register creates the record for n. Registering the same node twice returns
// the existing record.
func (g *Registry) Register(kind Kind, n scene.Node, p Profile) (*Record, error) {
	if !scene.Alive(n) {
		return nil, diag.Missing(fmt.Sprintf("%s node", kind))
	}
	if rec, ok := g.byNode[n]; ok {
		return rec, nil
	}
	if p.Distance <= 0 {
		p.Distance = g.cfg.ActiveDistance
	}

	rec := &Record{
		ID:      g.newID(n.Path()),
		Name:    n.Name(),
		Kind:    kind,
		Node:    n,
		Profile: p,
		Active:  true,
	}
	rec.Exceptions = g.exceptionsFor(rec.Name)
	rec.Strategy = g.pickStrategy(rec)
	if rec.Strategy == StrategyDefault && kind != KindPlace {
		rec.Active = n.ActiveSelf()
	}
	rec.Via = rec.Strategy

	switch kind {
	case KindVehicle:
		g.collectKeep(rec)
	case KindPlace:
		g.collectChildren(rec)
	}

	g.byID[rec.ID] = rec
	g.byNode[n] = rec
	g.order = append(g.order, rec)
	g.attachHooks(rec)

	g.log.WithFields(logrus.Fields{
		"id":       rec.ID,
		"kind":     kind.String(),
		"strategy": rec.Strategy.String(),
		"inert":    rec.Inert,
	}).Debug("registered")
	return rec, nil
}

func (g *Registry) newID(path string) string {
	g.ids[path]++
	if n := g.ids[path]; n > 1 {
		return fmt.Sprintf("%s#%d", path, n)
	}
	return path
}

func (g *Registry) exceptionsFor(name string) []rules.Rule {
	var out []rules.Rule
	for _, r := range g.rules.Rules() {
		if r.Target == name || r.Place == name {
			out = append(out, r)
		}
	}
	return out
}

func (g *Registry) pickStrategy(rec *Record) Strategy {
	if r, ok := g.rules.IgnoreFor(rec.Name); ok {
		if r.Kind == rules.IgnoreFull {
			rec.Inert = true
			return StrategyIgnore
		}
		return SoftStrategy(rec.Kind)
	}
	p := rec.Profile
	switch {
	case p.Mode == rules.ModeRenderer:
		return StrategyRendererOnly
	case rec.Kind == KindVehicle && (p.PhysicsOnly || g.cfg.VehiclesPhysicsOnly || p.Mode == rules.ModeVehiclePhysics):
		return StrategyPhysicsOnly
	}
	return StrategyDefault
}

// collectKeep finds the vehicle children that must survive deactivation:
// audio sources and every ignore_at_place target under the vehicle.
func (g *Registry) collectKeep(rec *Record) {
	var walk func(n scene.Node)
	walk = func(n scene.Node) {
		for _, c := range n.Children() {
			if scene.ContainsAny(c.Name(), g.cfg.KeepNames) {
				rec.Keep = append(rec.Keep, c)
				continue
			}
			walk(c)
		}
	}
	walk(rec.Node)
	for _, target := range g.rules.AtPlace(rec.Name) {
		t := scene.FindRecursive(rec.Node, target)
		if t == nil {
			g.report(diag.Diagnostic{Kind: diag.KindMissing, Source: rec.Name, Message: fmt.Sprintf("ignore_at_place target %q not found", target)})
			continue
		}
		rec.Keep = append(rec.Keep, t)
	}
	if len(rec.Keep) > 0 && g.host != nil {
		rec.Holder = g.host.NewNode(rec.Name + "_TEMP")
	}
}

// collectChildren builds a place's cascade set: every descendant, inactive
// ones included, whose name contains no excluded substring.
func (g *Registry) collectChildren(rec *Record) {
	exclude := append(append([]string(nil), rec.Profile.Exclude...), g.rules.AtPlace(rec.Name)...)
	rec.Children = rec.Children[:0]
	rec.Suspend = rec.Suspend[:0]
	if rec.Profile.Behaviors {
		rec.Suspend = append(rec.Suspend, rec.Node.Behaviors()...)
	}
	for _, d := range scene.Descendants(rec.Node) {
		if scene.ContainsAny(d.Name(), exclude) {
			continue
		}
		rec.Children = append(rec.Children, d)
		if rec.Profile.Behaviors {
			rec.Suspend = append(rec.Suspend, d.Behaviors()...)
		}
	}
}

// RefreshPlace recomputes a place's cascade set after its subtree changed.
func (g *Registry) RefreshPlace(rec *Record) {
	if rec.Kind == KindPlace && scene.Alive(rec.Node) {
		g.collectChildren(rec)
	}
}

func (g *Registry) attachHooks(rec *Record) {
	if g.host == nil {
		return
	}
	id := rec.ID
	drop := func() {
		if !rec.removed {
			g.Unregister(id)
		}
	}
	g.host.OnDestroy(rec.Node, drop)
	if rec.Kind != KindItem {
		return
	}
	for _, st := range g.cfg.DestroyStates {
		if !hasState(rec.Node, st) {
			continue
		}
		if err := g.host.Hook(rec.Node, st, drop); err != nil {
			g.log.WithFields(logrus.Fields{"id": id, "state": st, "error": err}).Warn("destroy hook failed")
		}
	}
}

func hasState(n scene.Node, state string) bool {
	for _, b := range n.Behaviors() {
		for _, s := range b.States() {
			if s == state {
				return true
			}
		}
	}
	return false
}

// Unregister removes the record and returns held children to their parents.
func (g *Registry) Unregister(id string) bool {
	rec, ok := g.byID[id]
	if !ok {
		return false
	}
	rec.removed = true
	rec.Release()
	delete(g.byID, id)
	if g.byNode[rec.Node] == rec {
		delete(g.byNode, rec.Node)
	}
	for i, r := range g.order {
		if r == rec {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	for _, fn := range g.onRemove {
		fn(rec)
	}
	g.log.WithField("id", id).Debug("unregistered")
	return true
}

func (g *Registry) Get(id string) (*Record, bool) {
	rec, ok := g.byID[id]
	return rec, ok
}

// Lookup finds the record registered for n.
func (g *Registry) Lookup(n scene.Node) (*Record, bool) {
	rec, ok := g.byNode[n]
	return rec, ok
}

// Find returns records whose name or id equals key.
func (g *Registry) Find(key string) []*Record {
	var out []*Record
	for _, r := range g.order {
		if r.ID == key || r.Name == key {
			out = append(out, r)
		}
	}
	return out
}

// Each visits live, non-inert records in registration order.
func (g *Registry) Each(fn func(*Record)) {
	for _, r := range append([]*Record(nil), g.order...) {
		if r.Inert || r.removed {
			continue
		}
		fn(r)
	}
}

// All returns every record, inert ones included, in registration order.
func (g *Registry) All() []*Record { return append([]*Record(nil), g.order...) }

func (g *Registry) Len() int { return len(g.order) }

func (g *Registry) Views() []View {
	out := make([]View, 0, len(g.order))
	for _, r := range g.order {
		out = append(out, r.View())
	}
	return out
}

// Counts tallies records per kind.
func (g *Registry) Counts() map[string]int {
	out := map[string]int{}
	for _, r := range g.order {
		out[r.Kind.String()]++
	}
	return out
}

func (g *Registry) report(d diag.Diagnostic) {
	g.diags = append(g.diags, d)
	g.log.WithField("kind", string(d.Kind)).Warn(d.String())
}

// Diagnostics returns problems found while registering.
func (g *Registry) Diagnostics() []diag.Diagnostic {
	return append([]diag.Diagnostic(nil), g.diags...)
}

// Close releases every record. The registry is empty afterwards and ids
// start over.
func (g *Registry) Close() {
	for len(g.order) > 0 {
		g.Unregister(g.order[len(g.order)-1].ID)
	}
	g.ids = map[string]int{}
	g.diags = nil
}

// HasItemSuffix reports whether name ends with one of suffixes.
func HasItemSuffix(name string, suffixes []string) bool {
	for _, s := range suffixes {
		if s != "" && strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}
