package memscene

import (
	"sync"

	"scenewarden/internal/scene"
)

type Body struct {
	mu          sync.Mutex
	kinematic   bool
	gravity     bool
	detect      bool
	velocity    scene.Vec3
	constraints scene.Constraints
}

func (b *Body) Kinematic() bool { b.mu.Lock(); defer b.mu.Unlock(); return b.kinematic }
func (b *Body) SetKinematic(v bool) { b.mu.Lock(); b.kinematic = v; b.mu.Unlock() }
func (b *Body) Gravity() bool { b.mu.Lock(); defer b.mu.Unlock(); return b.gravity }
func (b *Body) SetGravity(v bool) { b.mu.Lock(); b.gravity = v; b.mu.Unlock() }
func (b *Body) DetectCollisions() bool { b.mu.Lock(); defer b.mu.Unlock(); return b.detect }
func (b *Body) SetDetectCollisions(v bool) { b.mu.Lock(); b.detect = v; b.mu.Unlock() }
func (b *Body) Velocity() scene.Vec3 { b.mu.Lock(); defer b.mu.Unlock(); return b.velocity }
func (b *Body) SetVelocity(v scene.Vec3) { b.mu.Lock(); b.velocity = v; b.mu.Unlock() }
func (b *Body) Constraints() scene.Constraints { b.mu.Lock(); defer b.mu.Unlock(); return b.constraints }
func (b *Body) SetConstraints(c scene.Constraints) { b.mu.Lock(); b.constraints = c; b.mu.Unlock() }

type Renderer struct {
	mu      sync.Mutex
	enabled bool
}

func (r *Renderer) Enabled() bool { r.mu.Lock(); defer r.mu.Unlock(); return r.enabled }
func (r *Renderer) SetEnabled(v bool) { r.mu.Lock(); r.enabled = v; r.mu.Unlock() }

type Dynamics struct {
	mu       sync.Mutex
	enabled  bool
	onGround bool
	torque   float64
}

func (d *Dynamics) Enabled() bool { d.mu.Lock(); defer d.mu.Unlock(); return d.enabled }
func (d *Dynamics) SetEnabled(v bool) { d.mu.Lock(); d.enabled = v; d.mu.Unlock() }
func (d *Dynamics) OnGround() bool { d.mu.Lock(); defer d.mu.Unlock(); return d.onGround }
func (d *Dynamics) SetOnGround(v bool) { d.mu.Lock(); d.onGround = v; d.mu.Unlock() }
func (d *Dynamics) Torque() float64 { d.mu.Lock(); defer d.mu.Unlock(); return d.torque }
func (d *Dynamics) SetTorque(v float64) { d.mu.Lock(); d.torque = v; d.mu.Unlock() }

// Behavior is a stand-in for an external state machine component.
type Behavior struct {
	mu      sync.Mutex
	name    string
	enabled bool
	states  []string
	bools   map[string]bool
	floats  map[string]float64
}

func (b *Behavior) Name() string { return b.name }
func (b *Behavior) Enabled() bool { b.mu.Lock(); defer b.mu.Unlock(); return b.enabled }
func (b *Behavior) SetEnabled(v bool) { b.mu.Lock(); b.enabled = v; b.mu.Unlock() }
func (b *Behavior) States() []string { return append([]string(nil), b.states...) }

func (b *Behavior) Bool(name string) (bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.bools[name]
	return v, ok
}

func (b *Behavior) Float(name string) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.floats[name]
	return v, ok
}

func (b *Behavior) SetBool(name string, v bool) *Behavior {
	b.mu.Lock()
	b.bools[name] = v
	b.mu.Unlock()
	return b
}

func (b *Behavior) SetFloat(name string, v float64) *Behavior {
	b.mu.Lock()
	b.floats[name] = v
	b.mu.Unlock()
	return b
}

var (
	_ scene.Body     = (*Body)(nil)
	_ scene.Renderer = (*Renderer)(nil)
	_ scene.Dynamics = (*Dynamics)(nil)
	_ scene.Behavior = (*Behavior)(nil)
)
