// Package rules parses rule files: one "flag: value" override per line that
// changes how a named object or place is toggled.
package rules

import (
	"fmt"
	"strings"

	"scenewarden/internal/diag"
)

type Kind int

const (
	Ignore Kind = iota + 1
	IgnoreFull
	IgnoreAtPlace
	Toggle
	ToggleRenderer
	ToggleAsItem
	ToggleAsVehicle
	ToggleAsVehiclePhysicsOnly
)

var flagKinds = map[string]Kind{
	"ignore":                         Ignore,
	"ignore_full":                    IgnoreFull,
	"ignore_at_place":                IgnoreAtPlace,
	"toggle":                         Toggle,
	"toggle_renderer":                ToggleRenderer,
	"toggle_as_item":                 ToggleAsItem,
	"toggle_as_vehicle":              ToggleAsVehicle,
	"toggle_as_vehicle_physics_only": ToggleAsVehiclePhysicsOnly,
}

func (k Kind) Flag() string {
	for f, kk := range flagKinds {
		if kk == k {
			return f
		}
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) String() string { return k.Flag() }

// ToggleMode is the registration mode requested by a toggle* rule.
type ToggleMode int

const (
	ModeNone ToggleMode = iota
	ModeNormal
	ModeRenderer
	ModeItem
	ModeVehicle
	ModeVehiclePhysics
)

func (m ToggleMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeRenderer:
		return "renderer"
	case ModeItem:
		return "item"
	case ModeVehicle:
		return "vehicle"
	case ModeVehiclePhysics:
		return "vehicle_physics"
	default:
		return "none"
	}
}

// Rule is immutable once parsed.
type Rule struct {
	Kind   Kind       `json:"kind"`
	Target string     `json:"target"`
	Place  string     `json:"place,omitempty"`
	Mode   ToggleMode `json:"mode,omitempty"`
	Source string     `json:"source"`
	Line   int        `json:"line"`
}

func (r Rule) String() string {
	if r.Kind == IgnoreAtPlace {
		return fmt.Sprintf("%s: %s %s", r.Kind.Flag(), r.Place, r.Target)
	}
	return fmt.Sprintf("%s: %s", r.Kind.Flag(), r.Target)
}

func modeFor(k Kind) ToggleMode {
	switch k {
	case Toggle:
		return ModeNormal
	case ToggleRenderer:
		return ModeRenderer
	case ToggleAsItem:
		return ModeItem
	case ToggleAsVehicle:
		return ModeVehicle
	case ToggleAsVehiclePhysicsOnly:
		return ModeVehiclePhysics
	default:
		return ModeNone
	}
}

const commentPrefix = "##"

// Parse decodes the lines of one rule source. Bad lines become diagnostics;
// they never stop the remaining lines from being read.
func Parse(source string, lines []string) ([]Rule, []diag.Diagnostic) {
	var (
		out   []Rule
		diags []diag.Diagnostic
	)
	bad := func(line int, format string, args ...any) {
		diags = append(diags, diag.Diagnostic{
			Kind:    diag.KindParse,
			Source:  source,
			Line:    line,
			Message: fmt.Sprintf(format, args...),
		})
	}

	for i, raw := range lines {
		n := i + 1
		s := strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))
		if s == "" || strings.HasPrefix(s, commentPrefix) {
			continue
		}
		flag, value, ok := strings.Cut(s, ":")
		if !ok {
			bad(n, "malformed line %q: expected \"flag: value\"", s)
			continue
		}
		flag = strings.TrimSpace(flag)
		value = strings.TrimSpace(value)
		kind, known := flagKinds[flag]
		if !known {
			bad(n, "unrecognized flag %q", flag)
			continue
		}
		if value == "" {
			bad(n, "flag %q has no value", flag)
			continue
		}

		r := Rule{Kind: kind, Target: value, Mode: modeFor(kind), Source: source, Line: n}
		if kind == IgnoreAtPlace {
			place, obj, ok := strings.Cut(value, " ")
			obj = strings.TrimSpace(obj)
			if !ok || place == "" || obj == "" {
				bad(n, "ignore_at_place expects \"<place> <object>\", got %q", value)
				continue
			}
			r.Place, r.Target = place, obj
		}
		out = append(out, r)
	}
	return out, diags
}
