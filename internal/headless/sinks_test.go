package headless

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"procworld/internal/world"
)

func TestSurfacesTrackAttachAndRelease(t *testing.T) {
	var events []bool
	s := NewSurfaces()
	s.OnChange = func(_ world.ChunkCoord, attached bool) { events = append(events, attached) }

	chunk := &world.Chunk{Coord: world.ChunkCoord{X: 1, Y: -1}}
	chunk.Mesh.Triangles = make([]int32, 12)
	h, err := s.Attach(chunk)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if s.Chunks() != 1 || s.Triangles() != 4 {
		t.Fatalf("chunks=%d triangles=%d", s.Chunks(), s.Triangles())
	}
	h.Release()
	h.Release()
	if s.Chunks() != 0 || s.Triangles() != 0 {
		t.Fatalf("release left chunks=%d triangles=%d", s.Chunks(), s.Triangles())
	}
	if len(events) != 2 || !events[0] || events[1] {
		t.Fatalf("events = %v", events)
	}
}

func TestObjectsNearestAndRelease(t *testing.T) {
	o := NewObjects()
	far := world.Placement{ID: world.ObjectID{Index: 1}, Kind: "oak", Position: mgl64.Vec3{10, 0, 10}}
	near := world.Placement{ID: world.ObjectID{Index: 2}, Kind: "rock", Position: mgl64.Vec3{1, 0, 1}, Replicated: true}
	if _, err := o.Instantiate(far); err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	h, err := o.Instantiate(near)
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}

	got, ok := o.Nearest(0, 0, nil)
	if !ok || got.ID != near.ID {
		t.Fatalf("nearest = %+v, %v", got, ok)
	}
	got, ok = o.Nearest(0, 0, func(p world.Placement) bool { return !p.Replicated })
	if !ok || got.ID != far.ID {
		t.Fatalf("filtered nearest = %+v, %v", got, ok)
	}
	if kinds := o.Kinds(); kinds["oak"] != 1 || kinds["rock"] != 1 {
		t.Fatalf("kinds = %v", kinds)
	}

	h.Release()
	if o.IsLive(near.ID) || o.Live() != 1 {
		t.Fatalf("release did not remove the object")
	}
}
