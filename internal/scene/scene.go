// Package scene declares the narrow contracts the activation core needs from
// the host engine. The host owns every object; the core only reads transforms,
// flips activity/physics/renderer flags and hooks named behavior states.
package scene

// Node is one object in the host scene graph.
type Node interface {
	Name() string
	// Path is the "/"-joined names from the scene root to this node.
	Path() string

	ActiveSelf() bool
	SetActive(active bool)

	LocalTransform() Transform
	SetLocalTransform(t Transform)
	WorldPosition() Vec3
	SetWorldPosition(p Vec3)

	Parent() Node
	SetParent(parent Node)
	Root() Node
	Children() []Node
	// Find resolves a "/"-separated path relative to this node.
	Find(path string) Node

	// Optional components; nil when absent.
	Body() Body
	Renderer() Renderer
	Dynamics() Dynamics
	Behaviors() []Behavior

	// Destroyed reports whether the host already reclaimed the object.
	Destroyed() bool
}

type Constraints uint8

const (
	ConstraintsNone Constraints = 0
	FreezePosition  Constraints = 1 << iota
	FreezeRotation
)

const FreezeAll = FreezePosition | FreezeRotation

// Body is the rigid body attached to a node.
type Body interface {
	Kinematic() bool
	SetKinematic(v bool)
	Gravity() bool
	SetGravity(v bool)
	DetectCollisions() bool
	SetDetectCollisions(v bool)
	Velocity() Vec3
	SetVelocity(v Vec3)
	Constraints() Constraints
	SetConstraints(c Constraints)
}

type Renderer interface {
	Enabled() bool
	SetEnabled(v bool)
}

// Dynamics is a vehicle's drive simulation (car dynamics and axles together).
type Dynamics interface {
	Enabled() bool
	SetEnabled(v bool)
	// OnGround reports whether the reference wheel touches the ground.
	OnGround() bool
	Torque() float64
}

// Behavior is an externally defined state machine attached to a node. The core
// never drives its states; it only suspends/resumes it and reads variables.
type Behavior interface {
	Name() string
	Enabled() bool
	SetEnabled(v bool)
	States() []string
	Bool(name string) (bool, bool)
	Float(name string) (float64, bool)
}

// Host is the scene-graph owner. Destruction and hook callbacks must be
// delivered on the goroutine that drives the session loop.
type Host interface {
	// Find resolves an absolute path among active objects.
	Find(path string) Node
	// FindAnywhere resolves a bare object name among all objects, inactive ones included.
	FindAnywhere(name string) Node
	// NewNode creates an empty root-level node (used as a holding parent).
	NewNode(name string) Node
	// All lists every live object (roots and descendants).
	All() []Node

	// OnDestroy registers fn to run synchronously before n is destroyed.
	OnDestroy(n Node, fn func())
	// Hook registers fn against the named state of any behavior on n. fn is
	// invoked by the behavior engine each time the state is entered.
	Hook(n Node, state string, fn func()) error
}

// World exposes game facts and coupling operations that only the host can
// answer, such as "player carries the van key" or "trailer is attached".
type World interface {
	Fact(name string) bool
	Couple(name string, attached bool)
}

// NopWorld answers false to every fact and ignores couplings.
type NopWorld struct{}

func (NopWorld) Fact(string) bool     { return false }
func (NopWorld) Couple(string, bool) {}
