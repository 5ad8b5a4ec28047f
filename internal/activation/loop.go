package activation

import (
	"context"
	"errors"
	"time"

	"scenewarden/internal/registry"
	"scenewarden/internal/scene"
)

// Request is a reason change posted from outside the controller goroutine,
// typically by an occlusion monitor.
type Request struct {
	Node   scene.Node
	Reason registry.Reason
	On     bool
}

type call struct {
	fn   func()
	done chan struct{}
}

var ErrStopped = errors.New("activation: controller stopped")

// Post queues r without blocking. It reports false when the inbox is full.
func (c *Controller) Post(r Request) bool {
	select {
	case c.inbox <- r:
		return true
	default:
		return false
	}
}

// Do runs fn on the controller goroutine and waits for it.
func (c *Controller) Do(ctx context.Context, fn func()) error {
	req := call{fn: fn, done: make(chan struct{})}
	select {
	case c.calls <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return ErrStopped
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return ErrStopped
	}
}

// Flush drains whatever is waiting in the inbox and applies it. It is for
// callers that step the controller themselves instead of using Run.
func (c *Controller) Flush() int {
	var pending []Request
	for {
		select {
		case r := <-c.inbox:
			pending = append(pending, r)
		default:
			if len(pending) == 0 {
				return 0
			}
			return c.Drain(pending)
		}
	}
}

// Drain applies queued requests, last value per node and reason winning.
// Requests for unregistered nodes are dropped.
func (c *Controller) Drain(pending []Request) int {
	type key struct {
		n scene.Node
		r registry.Reason
	}
	last := make(map[key]int, len(pending))
	for i, r := range pending {
		last[key{r.Node, r.Reason}] = i
	}
	applied := 0
	for i, r := range pending {
		if last[key{r.Node, r.Reason}] != i {
			c.stats.Coalesced++
			continue
		}
		rec, ok := c.reg.Lookup(r.Node)
		if !ok {
			continue
		}
		c.SetReason(rec, r.Reason, r.On)
		applied++
	}
	return applied
}

// Run drives the controller at hz until ctx ends or Stop is called. step is
// invoked every tick after queued requests are drained; it owns the tick's
// work (observer update, scheduler, distance pass).
func (c *Controller) Run(ctx context.Context, hz int, step func(tick uint64)) error {
	if hz <= 0 {
		hz = 20
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	var pending []Request
	tick := c.tick
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case r := <-c.inbox:
			pending = append(pending, r)
		case req := <-c.calls:
			req.fn()
			close(req.done)
		case <-ticker.C:
			c.Drain(pending)
			pending = pending[:0]
			tick++
			step(tick)
		}
	}
}

func (c *Controller) Stop() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}
