package activation

import (
	"scenewarden/internal/diag"
	"scenewarden/internal/registry"
	"scenewarden/internal/scene"
)

func (c *Controller) save(rec *registry.Record) scene.Transform {
	if rec.Kind == registry.KindItem {
		return c.opts.Preserver.SaveItem(rec.Node)
	}
	return c.opts.Preserver.Save(rec.Node)
}

// restore consumes the saved transform, if any.
func (c *Controller) restore(rec *registry.Record) {
	if rec.HasSaved {
		c.opts.Preserver.Restore(rec.Node, rec.Saved)
		rec.HasSaved = false
	}
}

func (c *Controller) recouple(rec *registry.Record) {
	if rec.Kind != registry.KindVehicle {
		return
	}
	applied, err := c.opts.Exceptions.Recouple(c.subject(rec, rec.Via))
	if err != nil {
		c.log.WithField("id", rec.ID).WithError(err).Warn("coupling check skipped")
	}
	for _, name := range applied {
		c.log.WithField("id", rec.ID).WithField("coupling", name).Debug("coupling revalidated")
	}
}

// applyWhole deactivates the host object outright. Keep-alive children are
// parked first so the host cannot reclaim them with their parent.
func (c *Controller) applyWhole(rec *registry.Record, want bool) (err error) {
	n := rec.Node
	if !want {
		saved := c.save(rec)
		rec.Hold()
		defer func() {
			if r := recover(); r != nil {
				rec.Release()
				panic(r)
			}
		}()
		n.SetActive(false)
		rec.Saved, rec.HasSaved = saved, true
		return nil
	}
	n.SetActive(true)
	c.restore(rec)
	rec.Release()
	c.recouple(rec)
	return nil
}

// applyDrive puts a vehicle's drive and rigid body to sleep while the object
// stays active.
func (c *Controller) applyDrive(rec *registry.Record, want bool) error {
	n := rec.Node
	d, b := n.Dynamics(), n.Body()
	if d == nil && b == nil {
		return diag.Missing(rec.ID + " dynamics and body")
	}
	if !want {
		saved := c.save(rec)
		if d != nil {
			d.SetEnabled(false)
		}
		if b != nil {
			b.SetKinematic(true)
			b.SetGravity(false)
			if rec.Profile.FreezeOnSleep {
				b.SetConstraints(scene.FreezePosition)
			}
		}
		rec.Saved, rec.HasSaved = saved, true
		return nil
	}
	if d != nil {
		d.SetEnabled(true)
	}
	if b != nil {
		b.SetKinematic(false)
		b.SetGravity(true)
		if rec.Profile.FreezeOnSleep {
			b.SetConstraints(scene.ConstraintsNone)
		}
	}
	c.restore(rec)
	c.recouple(rec)
	return nil
}

// applyBasic flips body flags and renderer visibility without touching the
// object's activity.
func (c *Controller) applyBasic(rec *registry.Record, want bool) error {
	n := rec.Node
	b, r := n.Body(), n.Renderer()
	if b == nil && r == nil {
		return diag.Missing(rec.ID + " body and renderer")
	}
	var saved scene.Transform
	if !want {
		saved = c.save(rec)
	}
	if b != nil {
		b.SetDetectCollisions(want)
		b.SetKinematic(!want)
		b.SetGravity(want)
	}
	if r != nil {
		r.SetEnabled(want)
	}
	if want {
		c.restore(rec)
	} else {
		rec.Saved, rec.HasSaved = saved, true
	}
	return nil
}

func applyRenderer(n scene.Node, want bool) error {
	r := n.Renderer()
	if r == nil {
		return diag.Missing(n.Path() + " renderer")
	}
	r.SetEnabled(want)
	return nil
}

// applyPlace cascades to the place's children and suspends its behaviors.
// The place node itself stays active.
func (c *Controller) applyPlace(rec *registry.Record, want bool) error {
	for _, ch := range rec.Children {
		if scene.Alive(ch) {
			ch.SetActive(want)
		}
	}
	for _, b := range rec.Suspend {
		b.SetEnabled(want)
	}
	return nil
}

// applyPlaceBasic is the soft-ignored place: children keep their activity and
// only their physics and renderers sleep.
func (c *Controller) applyPlaceBasic(rec *registry.Record, want bool) error {
	for _, ch := range rec.Children {
		if !scene.Alive(ch) {
			continue
		}
		if b := ch.Body(); b != nil {
			b.SetDetectCollisions(want)
			b.SetKinematic(!want)
			b.SetGravity(want)
		}
		if r := ch.Renderer(); r != nil {
			r.SetEnabled(want)
		}
	}
	for _, b := range rec.Suspend {
		b.SetEnabled(want)
	}
	return nil
}
