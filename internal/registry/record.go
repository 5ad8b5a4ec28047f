package registry

import (
	"scenewarden/internal/rules"
	"scenewarden/internal/scene"
)

type Kind uint8

const (
	KindItem Kind = iota
	KindVehicle
	KindPlace
	// KindObject is anything registered by a generic toggle rule.
	KindObject
	// KindOccluder is a node driven only by the occlusion signal.
	KindOccluder
)

var kindNames = [...]string{"item", "vehicle", "place", "object", "occluder"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Strategy selects the handler that applies a record's transitions. It is
// chosen once at registration.
type Strategy uint8

const (
	// StrategyDefault deactivates the whole object (cascades for places).
	StrategyDefault Strategy = iota
	// StrategyPhysicsOnly keeps the object active and puts its physics to
	// sleep: drive and rigid body for vehicles, body flags and renderer for
	// everything else.
	StrategyPhysicsOnly
	StrategyRendererOnly
	StrategyIgnore
)

var strategyNames = [...]string{"default", "physics_only", "renderer_only", "ignore"}

func (s Strategy) String() string {
	if int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return "unknown"
}

// SoftStrategy is the reduced handler used for soft-ignored entities of kind k.
func SoftStrategy(k Kind) Strategy {
	switch k {
	case KindObject, KindOccluder:
		return StrategyRendererOnly
	default:
		return StrategyPhysicsOnly
	}
}

// Reason is a cause for wanting an entity inactive. A record is desired
// active when no reason is set.
type Reason uint8

const (
	ReasonDistance Reason = 1 << iota
	ReasonOccluded
)

func (r Reason) String() string {
	switch r {
	case 0:
		return "none"
	case ReasonDistance:
		return "distance"
	case ReasonOccluded:
		return "occluded"
	case ReasonDistance | ReasonOccluded:
		return "distance+occluded"
	}
	return "unknown"
}

// Held is a child parked under the record's holding node while it sleeps.
type Held struct {
	Node   scene.Node
	Parent scene.Node
}

// Profile carries per-entity tuning supplied by the caller at registration.
type Profile struct {
	// Distance is the toggle threshold before the global multiplier. Zero
	// means the registry default.
	Distance      float64
	PhysicsOnly   bool
	FreezeOnSleep bool
	ExtraCare     bool
	// Exclude lists name substrings a place keeps out of its cascade.
	Exclude []string
	// Behaviors suspends the place's behaviors together with its children.
	Behaviors bool
	// Mode is the toggle rule that registered the entity, if any.
	Mode rules.ToggleMode
}

// Record is the controller's view of one entity. It is owned by the session
// loop; nothing else mutates it.
type Record struct {
	ID   string
	Name string
	Kind Kind
	Node scene.Node

	Strategy Strategy
	// Inert records match ignore_full: kept for inspection, never evaluated.
	Inert      bool
	Exceptions []rules.Rule
	Profile    Profile

	// Active equals the last value applied to the host through Via.
	Active bool
	Via    Strategy
	// Saved is valid only while HasSaved; it is set when the record goes
	// inactive and consumed on reactivation.
	Saved    scene.Transform
	HasSaved bool

	Reasons Reason

	// Busy is set while a transition is being applied; a request arriving
	// meanwhile is parked in Pending and applied right after.
	Busy       bool
	Pending    bool
	HasPending bool

	Transitions int
	Faults      int
	LastFault   string
	LastAction  string

	Holder   scene.Node
	Keep     []scene.Node
	held     []Held
	Children []scene.Node
	Suspend  []scene.Behavior

	removed bool
}

// DesiredActive reports whether no reason currently asks for deactivation.
func (r *Record) DesiredActive() bool { return r.Reasons == 0 }

// Removed is true once the record left the registry. Host callbacks check it
// since hooks cannot be detached.
func (r *Record) Removed() bool { return r.removed }

// Hold parks every keep-alive child under the holding node.
func (r *Record) Hold() {
	if r.Holder == nil {
		return
	}
	for _, n := range r.Keep {
		if !scene.Alive(n) {
			continue
		}
		r.held = append(r.held, Held{Node: n, Parent: n.Parent()})
		n.SetParent(r.Holder)
	}
}

// Release returns held children to their original parents.
func (r *Record) Release() {
	for _, h := range r.held {
		if scene.Alive(h.Node) && scene.Alive(h.Parent) {
			h.Node.SetParent(h.Parent)
		}
	}
	r.held = nil
}

// HeldCount reports how many children are currently parked.
func (r *Record) HeldCount() int { return len(r.held) }

// View is a read-only copy of a record for debug surfaces.
type View struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Kind        string     `json:"kind"`
	Strategy    string     `json:"strategy"`
	Active      bool       `json:"active"`
	Inert       bool       `json:"inert,omitempty"`
	Reasons     string     `json:"reasons"`
	Distance    float64    `json:"distance"`
	Position    scene.Vec3 `json:"position"`
	Transitions int        `json:"transitions"`
	Faults      int        `json:"faults,omitempty"`
	LastFault   string     `json:"last_fault,omitempty"`
	LastAction  string     `json:"last_action,omitempty"`
	Children    int        `json:"children,omitempty"`
	Held        int        `json:"held,omitempty"`
}

func (r *Record) View() View {
	v := View{
		ID:          r.ID,
		Name:        r.Name,
		Kind:        r.Kind.String(),
		Strategy:    r.Strategy.String(),
		Active:      r.Active,
		Inert:       r.Inert,
		Reasons:     r.Reasons.String(),
		Distance:    r.Profile.Distance,
		Transitions: r.Transitions,
		Faults:      r.Faults,
		LastFault:   r.LastFault,
		LastAction:  r.LastAction,
		Children:    len(r.Children),
		Held:        len(r.held),
	}
	if scene.Alive(r.Node) {
		v.Position = r.Node.WorldPosition()
	}
	return v
}
