package exceptions

import (
	"errors"
	"fmt"
	"strings"

	"scenewarden/internal/diag"
	"scenewarden/internal/scene"
)

// Subject is the entity under evaluation.
type Subject struct {
	Name     string
	Kind     string
	Strategy string
	Node     scene.Node
	Host     scene.Host
	World    scene.World
	Observer scene.Vec3
}

// Predicate answers one named question about a subject. A missing resource is
// reported as an error wrapping diag.ErrResourceMissing and counts as false.
type Predicate func(s Subject, a Args) (bool, error)

var predicates = map[string]Predicate{
	"always":                  func(Subject, Args) (bool, error) { return true, nil },
	"moving":                  moving,
	"airborne":                airborne,
	"rope_hooked":             ropeHooked,
	"fact":                    fact,
	"parent_named":            parentNamed,
	"parent_prefix":           parentPrefix,
	"root_named":              rootNamed,
	"near_observer":           nearObserver,
	"behavior_bool":           behaviorBool,
	"behavior_float_at_least": behaviorFloatAtLeast,
	"below_height":            belowHeight,
}

// Predicates lists the registered predicate names.
func Predicates() []string {
	out := make([]string, 0, len(predicates))
	for k := range predicates {
		out = append(out, k)
	}
	return out
}

func moving(s Subject, a Args) (bool, error) {
	b := s.Node.Body()
	if b == nil {
		return false, diag.Missing(s.Name + " rigid body")
	}
	speed := a.Speed
	if speed <= 0 {
		speed = 0.1
	}
	return b.Velocity().LenSq() > speed*speed, nil
}

func airborne(s Subject, _ Args) (bool, error) {
	d := s.Node.Dynamics()
	if d == nil {
		return false, diag.Missing(s.Name + " dynamics")
	}
	return !d.OnGround(), nil
}

func ropeHooked(s Subject, a Args) (bool, error) {
	v := a.Var
	if v == "" {
		v = "Attached"
	}
	for _, child := range a.Children {
		n := s.Node.Find(child)
		if n == nil {
			continue
		}
		for _, b := range n.Behaviors() {
			if on, ok := b.Bool(v); ok && on {
				return true, nil
			}
		}
	}
	return false, nil
}

func fact(s Subject, a Args) (bool, error) {
	if s.World == nil {
		return false, nil
	}
	return s.World.Fact(a.Fact), nil
}

func parentNamed(s Subject, a Args) (bool, error) {
	p := s.Node.Parent()
	return p != nil && p.Name() == a.Name, nil
}

func parentPrefix(s Subject, a Args) (bool, error) {
	p := s.Node.Parent()
	return p != nil && strings.HasPrefix(p.Name(), a.Name), nil
}

func rootNamed(s Subject, a Args) (bool, error) {
	r := s.Node.Root()
	return r != nil && r.Name() == a.Name, nil
}

func nearObserver(s Subject, a Args) (bool, error) {
	return s.Node.WorldPosition().DistSq(s.Observer) < a.Radius*a.Radius, nil
}

// owner resolves the node holding the behavior: the child at a.Child, or the
// subject itself.
func owner(s Subject, a Args) (scene.Node, error) {
	if a.Child == "" {
		return s.Node, nil
	}
	n := s.Node.Find(a.Child)
	if n == nil {
		return nil, diag.Missing(s.Name + "/" + a.Child)
	}
	return n, nil
}

func findBehavior(n scene.Node, name string) scene.Behavior {
	if name != "" {
		return scene.BehaviorByName(n, name)
	}
	if bs := n.Behaviors(); len(bs) > 0 {
		return bs[0]
	}
	return nil
}

func behaviorBool(s Subject, a Args) (bool, error) {
	n, err := owner(s, a)
	if err != nil {
		return false, err
	}
	b := findBehavior(n, a.Behavior)
	if b == nil {
		return false, diag.Missing(fmt.Sprintf("%s behavior %q", n.Path(), a.Behavior))
	}
	v, ok := b.Bool(a.Var)
	if !ok {
		return false, diag.Missing(fmt.Sprintf("%s variable %q", n.Path(), a.Var))
	}
	return v, nil
}

func behaviorFloatAtLeast(s Subject, a Args) (bool, error) {
	n, err := owner(s, a)
	if err != nil {
		return false, err
	}
	b := findBehavior(n, a.Behavior)
	if b == nil {
		return false, diag.Missing(fmt.Sprintf("%s behavior %q", n.Path(), a.Behavior))
	}
	v, ok := b.Float(a.Var)
	if !ok {
		return false, diag.Missing(fmt.Sprintf("%s variable %q", n.Path(), a.Var))
	}
	return v >= a.Threshold, nil
}

func belowHeight(s Subject, a Args) (bool, error) {
	return s.Node.WorldPosition().Y < a.Height, nil
}

// Verdict is the outcome of evaluating the table for one transition.
type Verdict struct {
	Action Action
	Entry  string
	Args   Args
}

// Evaluate returns the first entry whose match, phase and predicate hold.
// Predicate failures are collected into the returned error; evaluation keeps
// going past them.
func (t *Table) Evaluate(s Subject, phase Phase) (Verdict, error) {
	if t == nil || s.Node == nil {
		return Verdict{}, nil
	}
	var errs []error
	for _, e := range t.Entries {
		if !e.applies(s, phase) {
			continue
		}
		ok, err := predicates[e.Predicate](s, e.Args)
		if err != nil {
			errs = append(errs, fmt.Errorf("exception %s: %w", e.Name, err))
			continue
		}
		if ok != e.Not {
			return Verdict{Action: e.Action, Entry: e.Name, Args: e.Args}, errors.Join(errs...)
		}
	}
	return Verdict{}, errors.Join(errs...)
}

// Recouple re-validates every coupling owned by the subject. A coupling whose
// fact is false is left alone; otherwise the hook is attached when it lies
// within tolerance of the target and detached when it does not. Returns the
// names of the couplings it applied.
func (t *Table) Recouple(s Subject) ([]string, error) {
	if t == nil || s.World == nil || s.Host == nil {
		return nil, nil
	}
	var applied []string
	var errs []error
	for _, c := range t.Couplings {
		if c.Vehicle != s.Name {
			continue
		}
		if c.Fact != "" && !s.World.Fact(c.Fact) {
			continue
		}
		hook := s.Node.Find(c.Hook)
		if hook == nil {
			errs = append(errs, fmt.Errorf("coupling %s: %w", c.Name, diag.Missing(s.Name+"/"+c.Hook)))
			continue
		}
		target := s.Host.FindAnywhere(c.Target)
		if target != nil && c.TargetPath != "" {
			target = target.Find(c.TargetPath)
		}
		if target == nil {
			errs = append(errs, fmt.Errorf("coupling %s: %w", c.Name, diag.Missing(c.Target+"/"+c.TargetPath)))
			continue
		}
		attached := hook.WorldPosition().DistSq(target.WorldPosition()) < c.Tolerance*c.Tolerance
		s.World.Couple(c.Name, attached)
		applied = append(applied, c.Name)
	}
	return applied, errors.Join(errs...)
}
