package session

import (
	"time"

	"scenewarden/internal/persistence/snapshot"
	"scenewarden/internal/scene"
)

func vec(v scene.Vec3) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

// Snapshot copies the session state into a dump. Must run on the loop.
func (s *Session) Snapshot() snapshot.DumpV1 {
	d := snapshot.DumpV1{
		Header: snapshot.Header{
			Version:   snapshot.Version,
			SessionID: s.ID,
			Tick:      s.ctl.CurrentTick(),
			CreatedAt: s.now().UTC().Format(time.RFC3339),
		},
		TickRateHz:         s.tune.TickRateHz,
		DistanceMultiplier: s.ctl.Multiplier(),
		Observer:           vec(s.ctl.Observer()),
		Debug:              s.Debug(),
		Sources:            s.rules.Sources(),
		Pending:            s.sched.Slots(),
	}
	for _, v := range s.reg.Views() {
		d.Entities = append(d.Entities, snapshot.EntityV1{
			ID:          v.ID,
			Name:        v.Name,
			Kind:        v.Kind,
			Strategy:    v.Strategy,
			Active:      v.Active,
			Inert:       v.Inert,
			Reasons:     v.Reasons,
			Distance:    v.Distance,
			Position:    vec(v.Position),
			Transitions: v.Transitions,
			Faults:      v.Faults,
			LastFault:   v.LastFault,
			LastAction:  v.LastAction,
			Children:    v.Children,
			Held:        v.Held,
		})
	}
	for _, r := range s.rules.Rules() {
		d.Rules = append(d.Rules, snapshot.RuleV1{
			Flag:   r.Kind.Flag(),
			Target: r.Target,
			Place:  r.Place,
			Source: r.Source,
			Line:   r.Line,
		})
	}
	for _, g := range s.diags {
		d.Diagnostics = append(d.Diagnostics, snapshot.DiagnosticV1{
			Kind:    string(g.Kind),
			Source:  g.Source,
			Line:    g.Line,
			Message: g.Message,
		})
	}
	if s.occ != nil {
		d.Hidden = s.occ.Hidden()
	}
	st := s.ctl.Stats()
	d.Stats = snapshot.StatsV1{
		Ticks:       st.Ticks,
		Transitions: st.Transitions,
		Skips:       st.Skips,
		Faults:      st.Faults,
		Coalesced:   st.Coalesced,
		Missing:     st.Missing,
	}
	return d
}

// Dump writes a snapshot to path. Must run on the loop.
func (s *Session) Dump(path string) error {
	d := s.Snapshot()
	if err := snapshot.WriteDump(path, d); err != nil {
		return err
	}
	s.log.WithField("path", path).WithField("entities", len(d.Entities)).Info("dump written")
	return nil
}
