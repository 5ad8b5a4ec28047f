// Package schedule runs actions after a delay measured in wall-clock time or
// in ticks. It is cooperative: nothing fires until the owning loop calls
// Advance, and actions run on that loop.
package schedule

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"scenewarden/internal/diag"
)

// Delay is either a duration or a tick count; Ticks wins when both are set.
type Delay struct {
	Wait  time.Duration
	Ticks uint64
}

func After(d time.Duration) Delay { return Delay{Wait: d} }
func AfterTicks(n uint64) Delay   { return Delay{Ticks: n} }

type job struct {
	slot   string
	seq    uint64
	dueAt  time.Time
	dueTik uint64
	byTick bool
	action func()
}

type Scheduler struct {
	now  func() time.Time
	log  *logrus.Entry
	tick uint64
	seq  uint64
	jobs map[string]*job
}

func New(now func() time.Time, log *logrus.Entry) *Scheduler {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{now: now, log: log, jobs: map[string]*job{}}
}

// Schedule arms action for slot, replacing whatever was pending there, so a
// burst of triggers collapses into one later run.
func (s *Scheduler) Schedule(slot string, d Delay, action func()) {
	s.seq++
	j := &job{slot: slot, seq: s.seq, action: action}
	if d.Ticks > 0 {
		j.byTick = true
		j.dueTik = s.tick + d.Ticks
	} else {
		j.dueAt = s.now().Add(d.Wait)
	}
	if _, replaced := s.jobs[slot]; replaced {
		s.log.WithField("slot", slot).Debug("rescheduled pending action")
	}
	s.jobs[slot] = j
}

// Cancel drops the pending action for slot.
func (s *Scheduler) Cancel(slot string) bool {
	_, ok := s.jobs[slot]
	delete(s.jobs, slot)
	return ok
}

func (s *Scheduler) Pending() int { return len(s.jobs) }

// PendingSlot reports whether slot has an armed action.
func (s *Scheduler) PendingSlot(slot string) bool {
	_, ok := s.jobs[slot]
	return ok
}

// Slots lists the armed slots in scheduling order.
func (s *Scheduler) Slots() []string {
	js := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		js = append(js, j)
	}
	sort.Slice(js, func(a, b int) bool { return js[a].seq < js[b].seq })
	out := make([]string, len(js))
	for i, j := range js {
		out[i] = j.slot
	}
	return out
}

// Advance moves the scheduler to tick and runs every due action once, in the
// order they were scheduled. Returns how many ran. An action may schedule
// again, including into its own slot; that run waits for a later Advance. A
// due job cancelled or replaced by an earlier action in the same batch does
// not run.
func (s *Scheduler) Advance(tick uint64) int {
	s.tick = tick
	now := s.now()
	var due []*job
	for _, j := range s.jobs {
		if (j.byTick && tick >= j.dueTik) || (!j.byTick && !now.Before(j.dueAt)) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].seq < due[b].seq })
	ran := 0
	for _, j := range due {
		if s.jobs[j.slot] != j {
			continue
		}
		delete(s.jobs, j.slot)
		s.run(j)
		ran++
	}
	return ran
}

func (s *Scheduler) run(j *job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{"slot": j.slot, "error": diag.Recovered(r)}).Error("delayed action failed")
		}
	}()
	j.action()
}
