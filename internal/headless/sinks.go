// Package headless provides the surface and object sinks used by processes
// that generate the world without rendering it. They keep counts so status
// endpoints can report what a client would currently be drawing.
package headless

import (
	"sort"
	"sync"

	"procworld/internal/world"
)

// Surfaces is a streaming.SurfaceSink that tracks attached chunk meshes.
type Surfaces struct {
	// OnChange, when set, is called after a chunk surface is attached (true)
	// or released (false).
	OnChange func(coord world.ChunkCoord, attached bool)

	mu        sync.Mutex
	attached  map[world.ChunkCoord]int
	triangles int
}

func NewSurfaces() *Surfaces {
	return &Surfaces{attached: make(map[world.ChunkCoord]int)}
}

func (s *Surfaces) Attach(chunk *world.Chunk) (world.Handle, error) {
	tris := len(chunk.Mesh.Triangles) / 3
	s.mu.Lock()
	if prev, ok := s.attached[chunk.Coord]; ok {
		s.triangles -= prev
	}
	s.attached[chunk.Coord] = tris
	s.triangles += tris
	s.mu.Unlock()
	if s.OnChange != nil {
		s.OnChange(chunk.Coord, true)
	}
	return &surfaceHandle{sink: s, coord: chunk.Coord}, nil
}

func (s *Surfaces) release(coord world.ChunkCoord) {
	s.mu.Lock()
	tris, ok := s.attached[coord]
	if ok {
		delete(s.attached, coord)
		s.triangles -= tris
	}
	s.mu.Unlock()
	if ok && s.OnChange != nil {
		s.OnChange(coord, false)
	}
}

func (s *Surfaces) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

func (s *Surfaces) Triangles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triangles
}

// Coords returns the attached chunks in row-major order.
func (s *Surfaces) Coords() []world.ChunkCoord {
	s.mu.Lock()
	out := make([]world.ChunkCoord, 0, len(s.attached))
	for c := range s.attached {
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

type surfaceHandle struct {
	sink  *Surfaces
	coord world.ChunkCoord
	once  sync.Once
}

func (h *surfaceHandle) Release() {
	h.once.Do(func() { h.sink.release(h.coord) })
}

// Objects is a streaming.Instantiator that keeps the live placements.
type Objects struct {
	mu   sync.Mutex
	live map[world.ObjectID]world.Placement
}

func NewObjects() *Objects {
	return &Objects{live: make(map[world.ObjectID]world.Placement)}
}

func (o *Objects) Instantiate(p world.Placement) (world.Handle, error) {
	o.mu.Lock()
	o.live[p.ID] = p
	o.mu.Unlock()
	return &objectHandle{sink: o, id: p.ID}, nil
}

func (o *Objects) Live() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.live)
}

func (o *Objects) IsLive(id world.ObjectID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.live[id]
	return ok
}

// Kinds counts live objects per kind.
func (o *Objects) Kinds() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int)
	for _, p := range o.live {
		out[p.Kind]++
	}
	return out
}

// Nearest returns the live placement closest to (x, z) that matches keep.
func (o *Objects) Nearest(x, z float64, keep func(world.Placement) bool) (world.Placement, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var (
		best  world.Placement
		bestD float64
		found bool
	)
	for _, p := range o.live {
		if keep != nil && !keep(p) {
			continue
		}
		dx, dz := p.Position.X()-x, p.Position.Z()-z
		d := dx*dx + dz*dz
		if !found || d < bestD || (d == bestD && lessID(p.ID, best.ID)) {
			best, bestD, found = p, d, true
		}
	}
	return best, found
}

func lessID(a, b world.ObjectID) bool {
	if a.Chunk != b.Chunk {
		return a.Chunk.Less(b.Chunk)
	}
	return a.Index < b.Index
}

type objectHandle struct {
	sink *Objects
	id   world.ObjectID
	once sync.Once
}

func (h *objectHandle) Release() {
	h.once.Do(func() {
		h.sink.mu.Lock()
		delete(h.sink.live, h.id)
		h.sink.mu.Unlock()
	})
}
