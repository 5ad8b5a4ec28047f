package occlusion

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"scenewarden/internal/diag"
	"scenewarden/internal/scene"
)

// Monitor samples one resolved scene node.
type Monitor struct {
	Path string
	Node scene.Node

	hidden  bool
	streak  int
	samples uint64
}

// MonitorView is a read-only copy of a monitor's state.
type MonitorView struct {
	Path    string `json:"path"`
	Hidden  bool   `json:"hidden"`
	Samples uint64 `json:"samples"`
}

// Build resolves every non-exception node of t against the live scene and
// returns a monitor per resolved object. An unresolved path yields one
// diagnostic and its subtree is skipped; the walk continues with siblings.
func Build(t *Table, host scene.Host, source string) ([]*Monitor, []diag.Diagnostic) {
	var (
		out   []*Monitor
		diags []diag.Diagnostic
		seen  = map[scene.Node]bool{}
	)
	t.Walk(func(path string, n Node) bool {
		if n.Exception {
			return true
		}
		obj := host.Find(path)
		if obj == nil {
			diags = append(diags, diag.Diagnostic{
				Kind:    diag.KindUnresolved,
				Source:  source,
				Message: fmt.Sprintf("object not found: %s", path),
			})
			return false
		}
		if !seen[obj] {
			seen[obj] = true
			out = append(out, &Monitor{Path: path, Node: obj})
		}
		return true
	})
	return out, diags
}

// Sampler decides whether a point is visible from the viewpoint.
type Sampler interface {
	Visible(view scene.Viewpoint, p scene.Vec3) bool
}

// ConeSampler treats everything inside a view cone of FOVDegrees (full angle)
// and Range as visible. Zero FOVDegrees or Range disables that limit.
type ConeSampler struct {
	FOVDegrees float64
	Range      float64
}

func (c ConeSampler) Visible(view scene.Viewpoint, p scene.Vec3) bool {
	d := p.Sub(view.Position)
	if c.Range > 0 && d.LenSq() > c.Range*c.Range {
		return false
	}
	if c.FOVDegrees <= 0 || c.FOVDegrees >= 360 {
		return true
	}
	if d.LenSq() == 0 {
		return true
	}
	fwd := view.Forward.Normalized()
	if fwd.LenSq() == 0 {
		return true
	}
	half := c.FOVDegrees / 2 * math.Pi / 180
	return d.Normalized().Dot(fwd) >= math.Cos(half)
}

type Config struct {
	// SampleEveryTicks spaces samples out; 1 samples every tick.
	SampleEveryTicks int
	// HideDelay is the number of consecutive hidden samples before a node is
	// reported hidden. Visibility is reported on the first visible sample.
	HideDelay int
	// MinDistance keeps nodes closer than this always visible.
	MinDistance float64
	// ViewDistance hides nodes farther than this without sampling. Zero disables.
	ViewDistance float64
}

// System owns the monitors and reports changes through post, which is called
// with the system lock held and must not block.
type System struct {
	cfg      Config
	sampler  Sampler
	post     func(n scene.Node, hidden bool)
	log      *logrus.Entry
	mu       sync.Mutex
	monitors []*Monitor
}

func NewSystem(monitors []*Monitor, sampler Sampler, cfg Config, post func(scene.Node, bool), log *logrus.Entry) *System {
	if cfg.SampleEveryTicks <= 0 {
		cfg.SampleEveryTicks = 1
	}
	if sampler == nil {
		sampler = ConeSampler{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &System{cfg: cfg, sampler: sampler, post: post, log: log, monitors: monitors}
}

func (s *System) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// Forget drops the monitor for n, e.g. after its object was destroyed.
func (s *System) Forget(n scene.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.monitors {
		if m.Node == n {
			s.monitors = append(s.monitors[:i], s.monitors[i+1:]...)
			return
		}
	}
}

// Replace swaps the monitored set, e.g. after the scene was registered again.
func (s *System) Replace(monitors []*Monitor) {
	s.mu.Lock()
	s.monitors = monitors
	s.mu.Unlock()
}

// Reset forgets every reported state; hidden nodes are reported again once
// their hide delay elapses.
func (s *System) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.monitors {
		m.hidden = false
		m.streak = 0
	}
}

func (s *System) Views() []MonitorView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MonitorView, 0, len(s.monitors))
	for _, m := range s.monitors {
		out = append(out, MonitorView{Path: m.Path, Hidden: m.hidden, Samples: m.samples})
	}
	return out
}

// Hidden lists the paths currently reported hidden.
func (s *System) Hidden() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.monitors {
		if m.hidden {
			out = append(out, m.Path)
		}
	}
	return out
}

func (s *System) visible(view scene.Viewpoint, p scene.Vec3) bool {
	d := p.DistSq(view.Position)
	if d <= s.cfg.MinDistance*s.cfg.MinDistance {
		return true
	}
	if s.cfg.ViewDistance > 0 && d > s.cfg.ViewDistance*s.cfg.ViewDistance {
		return false
	}
	return s.sampler.Visible(view, p)
}

// Step samples every monitor when tick falls on the sampling period and
// returns the number of reported changes.
func (s *System) Step(tick uint64, view scene.Viewpoint) int {
	if tick%uint64(s.cfg.SampleEveryTicks) != 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	changes := 0
	for _, m := range s.monitors {
		if !scene.Alive(m.Node) {
			continue
		}
		m.samples++
		vis := s.visible(view, m.Node.WorldPosition())
		if vis {
			m.streak = 0
			if m.hidden {
				m.hidden = false
				changes++
				s.post(m.Node, false)
			}
			continue
		}
		m.streak++
		if !m.hidden && m.streak > s.cfg.HideDelay {
			m.hidden = true
			changes++
			s.post(m.Node, true)
		}
	}
	return changes
}

// Run samples at hz until ctx ends. view must be safe for concurrent use.
func (s *System) Run(ctx context.Context, hz int, view func() scene.Viewpoint) error {
	if hz <= 0 {
		hz = 20
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()
	var tick uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tick++
			if n := s.Step(tick, view()); n > 0 {
				s.log.WithField("changes", n).Debug("occlusion changes")
			}
		}
	}
}
