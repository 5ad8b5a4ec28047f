// Package tuning holds the per-session knobs read from tuning.yaml with
// environment overrides on top.
package tuning

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Tuning struct {
	TickRateHz         int     `yaml:"tick_rate_hz"`
	ActiveDistance     float64 `yaml:"active_distance"`
	DistanceMultiplier float64 `yaml:"distance_multiplier"`

	ToggleItems         bool `yaml:"toggle_items"`
	ToggleVehicles      bool `yaml:"toggle_vehicles"`
	VehiclesPhysicsOnly bool `yaml:"vehicles_physics_only"`

	FallHeight    float64 `yaml:"fall_height"`
	RespawnAnchor string  `yaml:"respawn_anchor"`

	ItemSuffixes []string  `yaml:"item_suffixes"`
	Vehicles     []Vehicle `yaml:"vehicles"`
	Places       []Place   `yaml:"places"`

	Occlusion     Occlusion      `yaml:"occlusion"`
	SpawnTriggers []SpawnTrigger `yaml:"spawn_triggers"`

	RulesDir         string `yaml:"rules_dir"`
	RulesExt         string `yaml:"rules_ext"`
	Exceptions       string `yaml:"exceptions"`
	StreamEveryTicks int    `yaml:"stream_every_ticks"`
}

type Vehicle struct {
	Name          string  `yaml:"name"`
	Distance      float64 `yaml:"distance"`
	PhysicsOnly   bool    `yaml:"physics_only"`
	FreezeOnSleep bool    `yaml:"freeze_on_sleep"`
	ExtraCare     bool    `yaml:"extra_care"`
}

type Place struct {
	Name      string   `yaml:"name"`
	Distance  float64  `yaml:"distance"`
	Exclude   []string `yaml:"exclude"`
	Behaviors bool     `yaml:"behaviors"`
}

type Occlusion struct {
	Enabled          bool    `yaml:"enabled"`
	Table            string  `yaml:"table"`
	SampleEveryTicks int     `yaml:"sample_every_ticks"`
	HideDelayTicks   int     `yaml:"hide_delay_ticks"`
	MinDistance      float64 `yaml:"min_distance"`
	ViewDistance     float64 `yaml:"view_distance"`
	FOVDegrees       float64 `yaml:"fov_degrees"`
}

// SpawnTrigger schedules a rescan for new items whenever Object's behavior
// enters State. Firings within the delay collapse into one rescan per Slot.
type SpawnTrigger struct {
	Object       string  `yaml:"object"`
	State        string  `yaml:"state"`
	Slot         string  `yaml:"slot"`
	DelaySeconds float64 `yaml:"delay_seconds"`
	DelayTicks   int     `yaml:"delay_ticks"`
	// Match narrows the rescan to item names containing this substring.
	Match string `yaml:"match"`
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz:         20,
		ActiveDistance:     200,
		DistanceMultiplier: 1,
		ToggleItems:        true,
		ToggleVehicles:     true,
		FallHeight:         -100,
		ItemSuffixes:       []string{"(itemx)", "(Clone)"},
		Occlusion: Occlusion{
			SampleEveryTicks: 5,
			HideDelayTicks:   2,
			MinDistance:      20,
			ViewDistance:     400,
			FOVDegrees:       90,
		},
		SpawnTriggers: []SpawnTrigger{
			{Object: "STORE/StoreCashRegister/Register", State: "Purchase", Slot: "purchase", DelaySeconds: 2},
		},
		RulesDir:         "rules",
		RulesExt:         ".rules",
		StreamEveryTicks: 5,
	}
}

// overrides are the environment variables that win over the file.
type overrides struct {
	TickRateHz          *int     `env:"SCENEWARDEN_TICK_RATE_HZ"`
	DistanceMultiplier  *float64 `env:"SCENEWARDEN_DISTANCE_MULTIPLIER"`
	ActiveDistance      *float64 `env:"SCENEWARDEN_ACTIVE_DISTANCE"`
	Occlusion           *bool    `env:"SCENEWARDEN_OCCLUSION"`
	VehiclesPhysicsOnly *bool    `env:"SCENEWARDEN_VEHICLES_PHYSICS_ONLY"`
	RulesDir            *string  `env:"SCENEWARDEN_RULES_DIR"`
}

// Load reads path over Defaults and applies environment overrides. An empty
// path skips the file.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return t, err
		}
		if err := yaml.Unmarshal(raw, &t); err != nil {
			return t, fmt.Errorf("tuning.yaml: %w", err)
		}
	}
	if err := ApplyEnv(&t); err != nil {
		return t, err
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func ApplyEnv(t *Tuning) error {
	var o overrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.TickRateHz != nil {
		t.TickRateHz = *o.TickRateHz
	}
	if o.DistanceMultiplier != nil {
		t.DistanceMultiplier = *o.DistanceMultiplier
	}
	if o.ActiveDistance != nil {
		t.ActiveDistance = *o.ActiveDistance
	}
	if o.Occlusion != nil {
		t.Occlusion.Enabled = *o.Occlusion
	}
	if o.VehiclesPhysicsOnly != nil {
		t.VehiclesPhysicsOnly = *o.VehiclesPhysicsOnly
	}
	if o.RulesDir != nil {
		t.RulesDir = *o.RulesDir
	}
	return nil
}

func (t Tuning) Validate() error {
	var errs []error
	if t.TickRateHz <= 0 {
		errs = append(errs, fmt.Errorf("tick_rate_hz must be > 0"))
	}
	if t.ActiveDistance <= 0 {
		errs = append(errs, fmt.Errorf("active_distance must be > 0"))
	}
	if t.DistanceMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("distance_multiplier must be > 0"))
	}
	seen := map[string]bool{}
	for i, v := range t.Vehicles {
		if v.Name == "" {
			errs = append(errs, fmt.Errorf("vehicles[%d]: missing name", i))
		}
		if v.Distance < 0 {
			errs = append(errs, fmt.Errorf("vehicles[%d] %s: negative distance", i, v.Name))
		}
		if seen[v.Name] {
			errs = append(errs, fmt.Errorf("vehicles[%d]: duplicate %s", i, v.Name))
		}
		seen[v.Name] = true
	}
	for i, p := range t.Places {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("places[%d]: missing name", i))
		}
		if p.Distance < 0 {
			errs = append(errs, fmt.Errorf("places[%d] %s: negative distance", i, p.Name))
		}
	}
	if t.Occlusion.Enabled && t.Occlusion.Table == "" {
		errs = append(errs, fmt.Errorf("occlusion.table required when occlusion is enabled"))
	}
	for i, st := range t.SpawnTriggers {
		if st.Object == "" || st.State == "" || st.Slot == "" {
			errs = append(errs, fmt.Errorf("spawn_triggers[%d]: object, state and slot are required", i))
		}
		if st.DelaySeconds < 0 || st.DelayTicks < 0 {
			errs = append(errs, fmt.Errorf("spawn_triggers[%d]: negative delay", i))
		}
	}
	return errors.Join(errs...)
}

// Vehicle returns the configured entry for name.
func (t Tuning) Vehicle(name string) (Vehicle, bool) {
	for _, v := range t.Vehicles {
		if v.Name == name {
			return v, true
		}
	}
	return Vehicle{}, false
}
