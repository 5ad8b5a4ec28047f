package memscene

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"scenewarden/internal/scene"
)

// Fixture is the yaml form of a scene used by the simulation binary.
type Fixture struct {
	Objects  []ObjectDef     `yaml:"objects"`
	Facts    map[string]bool `yaml:"facts"`
	Observer ObserverDef     `yaml:"observer"`
}

type ObjectDef struct {
	Name      string        `yaml:"name"`
	Position  scene.Vec3    `yaml:"position"`
	Inactive  bool          `yaml:"inactive"`
	Body      bool          `yaml:"body"`
	Renderer  bool          `yaml:"renderer"`
	Dynamics  *DynamicsDef  `yaml:"dynamics"`
	Behaviors []BehaviorDef `yaml:"behaviors"`
	Children  []ObjectDef   `yaml:"children"`
}

type DynamicsDef struct {
	OnGround bool    `yaml:"on_ground"`
	Torque   float64 `yaml:"torque"`
}

type BehaviorDef struct {
	Name   string             `yaml:"name"`
	States []string           `yaml:"states"`
	Bools  map[string]bool    `yaml:"bools"`
	Floats map[string]float64 `yaml:"floats"`
}

// ObserverDef scripts the observer: it walks the waypoints in a loop at Speed units per tick.
type ObserverDef struct {
	Waypoints []scene.Vec3 `yaml:"waypoints"`
	Speed     float64      `yaml:"speed"`
}

func Load(path string) (*Scene, Fixture, error) {
	var fx Fixture
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fx, err
	}
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return nil, fx, fmt.Errorf("scene %s: %w", path, err)
	}
	s := New()
	for _, d := range fx.Objects {
		build(s.Add(d.Name), d)
	}
	for k, v := range fx.Facts {
		s.SetFact(k, v)
	}
	return s, fx, nil
}

func build(o *Object, d ObjectDef) {
	o.At(d.Position.X, d.Position.Y, d.Position.Z)
	if d.Body {
		o.WithBody()
	}
	if d.Renderer {
		o.WithRenderer()
	}
	if d.Dynamics != nil {
		o.WithDynamics(d.Dynamics.OnGround)
		o.dynamics.torque = d.Dynamics.Torque
	}
	for _, bd := range d.Behaviors {
		b := o.WithBehavior(bd.Name, bd.States...)
		for k, v := range bd.Bools {
			b.SetBool(k, v)
		}
		for k, v := range bd.Floats {
			b.SetFloat(k, v)
		}
	}
	for _, cd := range d.Children {
		build(o.Add(cd.Name), cd)
	}
	if d.Inactive {
		o.active = false
	}
}

// Path walks the observer along the waypoints, one step per call.
type Path struct {
	def  ObserverDef
	pos  scene.Vec3
	next int
}

func NewPath(def ObserverDef) *Path {
	p := &Path{def: def}
	if len(def.Waypoints) > 0 {
		p.pos = def.Waypoints[0]
		p.next = 1 % len(def.Waypoints)
	}
	return p
}

func (p *Path) Step() scene.Vec3 {
	if len(p.def.Waypoints) < 2 || p.def.Speed <= 0 {
		return p.pos
	}
	target := p.def.Waypoints[p.next]
	d := target.Sub(p.pos)
	if d.Len() <= p.def.Speed {
		p.pos = target
		p.next = (p.next + 1) % len(p.def.Waypoints)
		return p.pos
	}
	p.pos = p.pos.Add(d.Normalized().Scale(p.def.Speed))
	return p.pos
}
