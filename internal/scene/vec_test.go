package scene

import "testing"

func TestVec3DistSq(t *testing.T) {
	a := Vec3{X: 1, Y: 2, Z: 3}
	b := Vec3{X: 4, Y: 6, Z: 3}
	if got := a.DistSq(b); got != 25 {
		t.Fatalf("DistSq=%v want 25", got)
	}
	if got := a.Sub(b).Len(); got != 5 {
		t.Fatalf("Len=%v want 5", got)
	}
}

func TestTransformApproxEqual(t *testing.T) {
	a := Transform{Position: Vec3{X: 1}, Rotation: Identity}
	b := Transform{Position: Vec3{X: 1.00005}, Rotation: Identity}
	if !a.ApproxEqual(b, 1e-4) {
		t.Fatalf("expected equal within tolerance")
	}
	b.Position.X = 1.001
	if a.ApproxEqual(b, 1e-4) {
		t.Fatalf("expected different")
	}
}

func TestContainsAny(t *testing.T) {
	if !ContainsAny("engine audio(1)", []string{"SoundSrc", "audio"}) {
		t.Fatalf("expected match")
	}
	if ContainsAny("door", []string{"", "audio"}) {
		t.Fatalf("empty needle must not match")
	}
}
