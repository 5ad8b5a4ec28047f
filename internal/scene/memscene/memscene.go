// Package memscene is an in-memory scene host. It backs the tests and the
// simulation binary; a real engine binding implements the same contracts.
package memscene

import (
	"fmt"
	"strings"
	"sync"

	"scenewarden/internal/scene"
)

type Scene struct {
	mu    sync.RWMutex
	roots []*Object

	hooks     map[*Object]map[string][]func()
	onDestroy map[*Object][]func()

	facts     map[string]bool
	couplings map[string]bool
	coupleLog []string
}

func New() *Scene {
	return &Scene{
		hooks:     map[*Object]map[string][]func(){},
		onDestroy: map[*Object][]func(){},
		facts:     map[string]bool{},
		couplings: map[string]bool{},
	}
}

// Add creates a root object.
func (s *Scene) Add(name string) *Object {
	o := newObject(s, name)
	s.mu.Lock()
	s.roots = append(s.roots, o)
	s.mu.Unlock()
	return o
}

// AddPath creates every missing object along a "/"-separated path and returns the last one.
func (s *Scene) AddPath(path string) *Object {
	parts := strings.Split(path, "/")
	var cur *Object
	for i, p := range parts {
		var next *Object
		if i == 0 {
			next = s.rootNamed(p)
			if next == nil {
				next = s.Add(p)
			}
		} else {
			next = cur.child(p)
			if next == nil {
				next = cur.Add(p)
			}
		}
		cur = next
	}
	return cur
}

func (s *Scene) rootNamed(name string) *Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roots {
		if r.name == name {
			return r
		}
	}
	return nil
}

func (s *Scene) Find(path string) scene.Node {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roots {
		if r.name != parts[0] || !r.active {
			continue
		}
		if o := r.findLocked(parts[1:], true); o != nil {
			return o
		}
	}
	return nil
}

func (s *Scene) FindAnywhere(name string) scene.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *Object
	for _, r := range s.roots {
		r.walkLocked(func(o *Object) {
			if found == nil && o.name == name {
				found = o
			}
		})
	}
	if found == nil {
		return nil
	}
	return found
}

func (s *Scene) NewNode(name string) scene.Node { return s.Add(name) }

func (s *Scene) All() []scene.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scene.Node
	for _, r := range s.roots {
		r.walkLocked(func(o *Object) { out = append(out, o) })
	}
	return out
}

func (s *Scene) OnDestroy(n scene.Node, fn func()) {
	o, ok := n.(*Object)
	if !ok {
		return
	}
	s.mu.Lock()
	s.onDestroy[o] = append(s.onDestroy[o], fn)
	s.mu.Unlock()
}

func (s *Scene) Hook(n scene.Node, state string, fn func()) error {
	o, ok := n.(*Object)
	if !ok || o == nil {
		return fmt.Errorf("hook %q: foreign node", state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, b := range o.behaviors {
		for _, st := range b.states {
			if st == state {
				found = true
			}
		}
	}
	if !found {
		return fmt.Errorf("hook %q: no behavior on %s has that state", state, o.pathLocked())
	}
	if s.hooks[o] == nil {
		s.hooks[o] = map[string][]func(){}
	}
	s.hooks[o][state] = append(s.hooks[o][state], fn)
	return nil
}

// Fire simulates the behavior engine entering state on o.
func (s *Scene) Fire(o *Object, state string) int {
	s.mu.RLock()
	fns := append([]func(){}, s.hooks[o][state]...)
	s.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// Destroy notifies destruction subscribers, then detaches o and its subtree.
func (s *Scene) Destroy(o *Object) {
	var subtree []*Object
	s.mu.RLock()
	o.walkLocked(func(d *Object) { subtree = append(subtree, d) })
	s.mu.RUnlock()
	for _, d := range subtree {
		s.mu.RLock()
		fns := append([]func(){}, s.onDestroy[d]...)
		s.mu.RUnlock()
		for _, fn := range fns {
			fn()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o.detachLocked()
	for _, d := range subtree {
		d.destroyed = true
		delete(s.onDestroy, d)
		delete(s.hooks, d)
	}
}

func (s *Scene) SetFact(name string, v bool) {
	s.mu.Lock()
	s.facts[name] = v
	s.mu.Unlock()
}

func (s *Scene) Fact(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.facts[name]
}

func (s *Scene) Couple(name string, attached bool) {
	s.mu.Lock()
	s.couplings[name] = attached
	s.coupleLog = append(s.coupleLog, fmt.Sprintf("%s=%t", name, attached))
	s.mu.Unlock()
}

// Coupled reports the last coupling state and whether one was ever applied.
func (s *Scene) Coupled(name string) (bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.couplings[name]
	return v, ok
}

var (
	_ scene.Host  = (*Scene)(nil)
	_ scene.World = (*Scene)(nil)
)
