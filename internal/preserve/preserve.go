// Package preserve copies an entity's transient transform around an
// activation toggle so that deactivation stays invisible to gameplay.
package preserve

import "scenewarden/internal/scene"

const DefaultFallHeight = -100

// Preserver only touches the entity's own transform and velocity.
type Preserver struct {
	// FallHeight is the world Y below which an item counts as lost to a physics fault.
	FallHeight float64
	// Anchor resolves the respawn anchor for lost items; ok=false leaves them in place.
	Anchor func() (scene.Vec3, bool)
}

func New(fallHeight float64, anchor func() (scene.Vec3, bool)) Preserver {
	return Preserver{FallHeight: fallHeight, Anchor: anchor}
}

// Save captures the local transform.
func (p Preserver) Save(n scene.Node) scene.Transform {
	return n.LocalTransform()
}

// SaveItem is Save for items: an item that fell through the world is first
// moved to the respawn anchor, and the anchor position is what gets saved.
func (p Preserver) SaveItem(n scene.Node) scene.Transform {
	if p.Fallen(n) && p.Anchor != nil {
		if at, ok := p.Anchor(); ok {
			n.SetWorldPosition(at)
		}
	}
	return n.LocalTransform()
}

// Fallen matches objects far below the world. Objects parked at x=0 or z=0
// are hidden host-side storage, not faults.
func (p Preserver) Fallen(n scene.Node) bool {
	pos := n.WorldPosition()
	return pos.Y < p.FallHeight && pos.X != 0 && pos.Z != 0
}

// Restore writes t back and zeroes residual velocity.
func (p Preserver) Restore(n scene.Node, t scene.Transform) {
	n.SetLocalTransform(t)
	if b := n.Body(); b != nil {
		b.SetVelocity(scene.Vec3{})
	}
}
