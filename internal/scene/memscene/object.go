package memscene

import (
	"fmt"
	"strings"

	"scenewarden/internal/scene"
)

// Object is a scene node. Transforms compose by translation only; rotation
// is carried per node but not propagated to children.
type Object struct {
	s *Scene

	name      string
	parent    *Object
	children  []*Object
	active    bool
	destroyed bool
	local     scene.Transform

	body      *Body
	renderer  *Renderer
	dynamics  *Dynamics
	behaviors []*Behavior

	// PanicOnToggle makes SetActive panic, standing in for a host-side fault.
	PanicOnToggle bool
	// SetActiveCalls counts host-visible activity changes.
	SetActiveCalls int
}

func newObject(s *Scene, name string) *Object {
	return &Object{s: s, name: name, active: true, local: scene.Transform{Rotation: scene.Identity}}
}

// Add creates a child object.
func (o *Object) Add(name string) *Object {
	c := newObject(o.s, name)
	o.s.mu.Lock()
	c.parent = o
	o.children = append(o.children, c)
	o.s.mu.Unlock()
	return c
}

func (o *Object) child(name string) *Object {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	for _, c := range o.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (o *Object) WithBody() *Object {
	o.body = &Body{gravity: true, detect: true}
	return o
}

func (o *Object) WithRenderer() *Object {
	o.renderer = &Renderer{enabled: true}
	return o
}

func (o *Object) WithDynamics(onGround bool) *Object {
	o.dynamics = &Dynamics{enabled: true, onGround: onGround}
	return o
}

func (o *Object) WithBehavior(name string, states ...string) *Behavior {
	b := &Behavior{name: name, enabled: true, states: states, bools: map[string]bool{}, floats: map[string]float64{}}
	o.s.mu.Lock()
	o.behaviors = append(o.behaviors, b)
	o.s.mu.Unlock()
	return b
}

func (o *Object) At(x, y, z float64) *Object {
	o.SetLocalTransform(scene.Transform{Position: scene.Vec3{X: x, Y: y, Z: z}, Rotation: o.LocalTransform().Rotation})
	return o
}

func (o *Object) Name() string { return o.name }

func (o *Object) Path() string {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	return o.pathLocked()
}

func (o *Object) pathLocked() string {
	if o.parent == nil {
		return o.name
	}
	return o.parent.pathLocked() + "/" + o.name
}

func (o *Object) ActiveSelf() bool {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	return o.active
}

func (o *Object) SetActive(active bool) {
	if o.PanicOnToggle {
		panic(fmt.Sprintf("memscene: %s refused SetActive(%t)", o.name, active))
	}
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	if o.active == active {
		return
	}
	o.active = active
	o.SetActiveCalls++
}

func (o *Object) LocalTransform() scene.Transform {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	return o.local
}

func (o *Object) SetLocalTransform(t scene.Transform) {
	o.s.mu.Lock()
	o.local = t
	o.s.mu.Unlock()
}

func (o *Object) WorldPosition() scene.Vec3 {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	return o.worldLocked()
}

func (o *Object) worldLocked() scene.Vec3 {
	if o.parent == nil {
		return o.local.Position
	}
	return o.parent.worldLocked().Add(o.local.Position)
}

func (o *Object) SetWorldPosition(p scene.Vec3) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	if o.parent == nil {
		o.local.Position = p
		return
	}
	o.local.Position = p.Sub(o.parent.worldLocked())
}

func (o *Object) Parent() scene.Node {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	if o.parent == nil {
		return nil
	}
	return o.parent
}

// SetParent keeps the world position, like an engine re-parent.
func (o *Object) SetParent(parent scene.Node) {
	var p *Object
	if parent != nil {
		p, _ = parent.(*Object)
	}
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	world := o.worldLocked()
	o.detachLocked()
	if p == nil {
		o.s.roots = append(o.s.roots, o)
		o.local.Position = world
		return
	}
	o.parent = p
	p.children = append(p.children, o)
	o.local.Position = world.Sub(p.worldLocked())
}

func (o *Object) detachLocked() {
	if o.parent == nil {
		for i, r := range o.s.roots {
			if r == o {
				o.s.roots = append(o.s.roots[:i], o.s.roots[i+1:]...)
				break
			}
		}
		return
	}
	siblings := o.parent.children
	for i, c := range siblings {
		if c == o {
			o.parent.children = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	o.parent = nil
}

func (o *Object) Root() scene.Node {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	r := o
	for r.parent != nil {
		r = r.parent
	}
	return r
}

func (o *Object) Children() []scene.Node {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	out := make([]scene.Node, 0, len(o.children))
	for _, c := range o.children {
		out = append(out, c)
	}
	return out
}

func (o *Object) Find(path string) scene.Node {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	if found := o.findLocked(strings.Split(strings.Trim(path, "/"), "/"), false); found != nil {
		return found
	}
	return nil
}

func (o *Object) findLocked(parts []string, activeOnly bool) *Object {
	if len(parts) == 0 {
		return o
	}
	for _, c := range o.children {
		if c.name != parts[0] || (activeOnly && !c.active) {
			continue
		}
		if found := c.findLocked(parts[1:], activeOnly); found != nil {
			return found
		}
	}
	return nil
}

func (o *Object) walkLocked(fn func(*Object)) {
	fn(o)
	for _, c := range o.children {
		c.walkLocked(fn)
	}
}

func (o *Object) Body() scene.Body {
	if o.body == nil {
		return nil
	}
	return o.body
}

func (o *Object) Renderer() scene.Renderer {
	if o.renderer == nil {
		return nil
	}
	return o.renderer
}

func (o *Object) Dynamics() scene.Dynamics {
	if o.dynamics == nil {
		return nil
	}
	return o.dynamics
}

func (o *Object) Behaviors() []scene.Behavior {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	out := make([]scene.Behavior, 0, len(o.behaviors))
	for _, b := range o.behaviors {
		out = append(out, b)
	}
	return out
}

func (o *Object) Destroyed() bool {
	o.s.mu.RLock()
	defer o.s.mu.RUnlock()
	return o.destroyed
}

// Typed accessors for tests.
func (o *Object) RigidBody() *Body        { return o.body }
func (o *Object) Render() *Renderer       { return o.renderer }
func (o *Object) Drive() *Dynamics        { return o.dynamics }
func (o *Object) Behavior(i int) *Behavior { return o.behaviors[i] }

var _ scene.Node = (*Object)(nil)
