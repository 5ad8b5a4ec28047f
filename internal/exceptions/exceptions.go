// Package exceptions holds the per-entity override table consulted on every
// activation transition. Each entry pairs a name match with a named predicate
// and the action to take when the predicate holds.
package exceptions

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultTable []byte

type Action string

const (
	ActionNone         Action = ""
	ActionSkip         Action = "skip"
	ActionPhysicsOnly  Action = "physics_only"
	ActionBasic        Action = "basic"
	ActionForceActive  Action = "force_active"
	// ActionDisableChild deactivates Args.Child before the transition goes
	// ahead on its normal path.
	ActionDisableChild Action = "disable_child"
)

type Phase string

const (
	PhaseAny        Phase = "any"
	PhaseDeactivate Phase = "deactivate"
	PhaseActivate   Phase = "activate"
)

// PhaseOf maps a desired active state to the transition phase.
func PhaseOf(enable bool) Phase {
	if enable {
		return PhaseActivate
	}
	return PhaseDeactivate
}

// Match selects entities by name. Exactly one field is set.
type Match struct {
	Exact    string   `yaml:"exact,omitempty"`
	Any      []string `yaml:"any,omitempty"`
	Prefix   string   `yaml:"prefix,omitempty"`
	Contains string   `yaml:"contains,omitempty"`
	Suffix   string   `yaml:"suffix,omitempty"`
}

func (m Match) Matches(name string) bool {
	switch {
	case len(m.Any) > 0:
		return slices.Contains(m.Any, name)
	case m.Exact != "":
		return name == m.Exact
	case m.Prefix != "":
		return strings.HasPrefix(name, m.Prefix)
	case m.Contains != "":
		return strings.Contains(name, m.Contains)
	case m.Suffix != "":
		return strings.HasSuffix(name, m.Suffix)
	}
	return true
}

func (m Match) set() int {
	n := 0
	if len(m.Any) > 0 {
		n++
	}
	for _, s := range []string{m.Exact, m.Prefix, m.Contains, m.Suffix} {
		if s != "" {
			n++
		}
	}
	return n
}

// Args carries the literal thresholds and names a predicate reads. They are
// tunables kept in the table rather than in code.
type Args struct {
	Fact      string   `yaml:"fact,omitempty"`
	Name      string   `yaml:"name,omitempty"`
	Child     string   `yaml:"child,omitempty"`
	Children  []string `yaml:"children,omitempty"`
	Behavior  string   `yaml:"behavior,omitempty"`
	Var       string   `yaml:"var,omitempty"`
	Radius    float64  `yaml:"radius,omitempty"`
	Threshold float64  `yaml:"threshold,omitempty"`
	Height    float64  `yaml:"height,omitempty"`
	Speed     float64  `yaml:"speed,omitempty"`
}

type Entry struct {
	Name       string   `yaml:"name"`
	Match      Match    `yaml:"match"`
	Kinds      []string `yaml:"kinds,omitempty"`
	Strategies []string `yaml:"strategies,omitempty"`
	Phase      Phase    `yaml:"phase,omitempty"`
	Predicate  string   `yaml:"predicate"`
	Not        bool     `yaml:"not,omitempty"`
	Args       Args     `yaml:"args,omitempty"`
	Action     Action   `yaml:"action"`
}

// Coupling re-validates an attachment between two objects after one of them
// is reactivated at its restored position.
type Coupling struct {
	Name       string  `yaml:"name"`
	Vehicle    string  `yaml:"vehicle"`
	Hook       string  `yaml:"hook"`
	Target     string  `yaml:"target"`
	TargetPath string  `yaml:"target_path"`
	Tolerance  float64 `yaml:"tolerance"`
	Fact       string  `yaml:"fact"`
}

type Table struct {
	Entries   []Entry    `yaml:"exceptions"`
	Couplings []Coupling `yaml:"couplings,omitempty"`
}

// Default returns the built-in table.
func Default() (*Table, error) {
	return Parse(defaultTable, "defaults.yaml")
}

// Load reads a table from path; an empty path means Default.
func Load(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b, path)
}

func Parse(b []byte, name string) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	t.normalize()
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &t, nil
}

func (t *Table) normalize() {
	for i := range t.Entries {
		e := &t.Entries[i]
		if e.Phase == "" {
			e.Phase = PhaseAny
		}
		for j, k := range e.Kinds {
			e.Kinds[j] = strings.ToLower(strings.TrimSpace(k))
		}
	}
}

func (t *Table) Validate() error {
	seen := map[string]bool{}
	for i, e := range t.Entries {
		if e.Name == "" {
			return fmt.Errorf("exception %d: missing name", i)
		}
		if seen[e.Name] {
			return fmt.Errorf("exception %q: duplicate name", e.Name)
		}
		seen[e.Name] = true
		if e.Match.set() > 1 {
			return fmt.Errorf("exception %q: match must set one of exact/any/prefix/contains/suffix", e.Name)
		}
		if e.Action == ActionDisableChild && e.Args.Child == "" {
			return fmt.Errorf("exception %q: disable_child needs args.child", e.Name)
		}
		if _, ok := predicates[e.Predicate]; !ok {
			return fmt.Errorf("exception %q: unknown predicate %q", e.Name, e.Predicate)
		}
		switch e.Action {
		case ActionSkip, ActionPhysicsOnly, ActionBasic, ActionForceActive, ActionDisableChild:
		default:
			return fmt.Errorf("exception %q: unknown action %q", e.Name, e.Action)
		}
		switch e.Phase {
		case PhaseAny, PhaseActivate, PhaseDeactivate:
		default:
			return fmt.Errorf("exception %q: unknown phase %q", e.Name, e.Phase)
		}
	}
	for i, c := range t.Couplings {
		if c.Name == "" || c.Vehicle == "" || c.Hook == "" || c.Target == "" {
			return fmt.Errorf("coupling %d: name, vehicle, hook and target are required", i)
		}
		if c.Tolerance <= 0 {
			return fmt.Errorf("coupling %q: tolerance must be > 0", c.Name)
		}
	}
	return nil
}

// Names lists entry names in table order.
func (t *Table) Names() []string {
	out := make([]string, 0, len(t.Entries))
	for _, e := range t.Entries {
		out = append(out, e.Name)
	}
	return out
}

func (e Entry) applies(s Subject, phase Phase) bool {
	if e.Phase != PhaseAny && e.Phase != phase {
		return false
	}
	if len(e.Kinds) > 0 && !contains(e.Kinds, s.Kind) {
		return false
	}
	if len(e.Strategies) > 0 && !contains(e.Strategies, s.Strategy) {
		return false
	}
	return e.Match.Matches(s.Name)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
