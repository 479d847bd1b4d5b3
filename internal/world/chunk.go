package world

import (
	"context"

	"github.com/go-gl/mathgl/mgl64"
)

// Generator describes chunk population. Implementations must be pure
// functions of the world seed, biome configuration and coordinate.
type Generator interface {
	Generate(ctx context.Context, coord ChunkCoord) (*Chunk, error)
}

// DestroyedSet answers whether an object has been destroyed according to some
// interaction ledger.
type DestroyedSet interface {
	IsDestroyed(id ObjectID) bool
}

// Handle is a live engine-side object that can be released.
type Handle interface {
	Release()
}

// Mesh is the height-sampled surface of a chunk. Vertices are local to the
// chunk origin.
type Mesh struct {
	Vertices  []mgl64.Vec3
	Normals   []mgl64.Vec3
	Colors    []mgl64.Vec3
	Triangles []int32
}

// Placement is an accepted spawn roll. Suppressed placements keep their
// ObjectID but must not be materialized.
type Placement struct {
	ID         ObjectID
	Kind       string
	Biome      string
	Group      string
	Replicated bool
	Position   mgl64.Vec3
	Yaw        float64
	Suppressed bool
}

// Chunk is the full generation result for one coordinate.
type Chunk struct {
	Coord      ChunkCoord
	Size       int
	Origin     mgl64.Vec3
	Mesh       Mesh
	Placements []Placement
}

// HeightAt returns the mesh height at a local grid vertex.
func (c *Chunk) HeightAt(localX, localZ int) (float64, bool) {
	stride := c.Size + 1
	if localX < 0 || localZ < 0 || localX > c.Size || localZ > c.Size {
		return 0, false
	}
	idx := localZ*stride + localX
	if idx >= len(c.Mesh.Vertices) {
		return 0, false
	}
	return c.Mesh.Vertices[idx].Y(), true
}

// Live returns the placements that should be materialized.
func (c *Chunk) Live() []Placement {
	out := make([]Placement, 0, len(c.Placements))
	for _, p := range c.Placements {
		if !p.Suppressed {
			out = append(out, p)
		}
	}
	return out
}
