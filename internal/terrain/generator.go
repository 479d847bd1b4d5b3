package terrain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"procworld/internal/biome"
	"procworld/internal/world"
)

const (
	// DefaultSpacing is the placement scan stride in world units.
	DefaultSpacing = 4
	// minPlacementWeight is the blend weight a biome needs before its spawn
	// groups are rolled at a scan cell.
	minPlacementWeight = 0.1
)

// GenerationError wraps any failure while generating a single chunk.
type GenerationError struct {
	Coord world.ChunkCoord
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate chunk %v: %v", e.Coord, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

type Settings struct {
	ChunkSize       int
	Spacing         int
	ProgressLogging bool
}

// Generator builds chunk meshes and object placements from the shared seed.
// Suppression is looked up in the replicated ledger for replicated spawn
// groups and in the local ledger for decorative ones.
type Generator struct {
	settings   Settings
	classifier *biome.Classifier
	seed       int32
	replicated world.DestroyedSet
	local      world.DestroyedSet
	logger     *log.Logger
}

func NewGenerator(settings Settings, classifier *biome.Classifier, replicated, local world.DestroyedSet, logger *log.Logger) (*Generator, error) {
	if classifier == nil {
		return nil, errors.New("terrain: classifier is nil")
	}
	if settings.ChunkSize <= 0 {
		return nil, fmt.Errorf("terrain: chunk size %d must be positive", settings.ChunkSize)
	}
	if settings.Spacing <= 0 {
		settings.Spacing = DefaultSpacing
	}
	if logger == nil {
		logger = log.New(log.Writer(), "terrain ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Generator{
		settings:   settings,
		classifier: classifier,
		seed:       classifier.Field().Seed(),
		replicated: replicated,
		local:      local,
		logger:     logger,
	}, nil
}

func (g *Generator) ChunkSize() int {
	return g.settings.ChunkSize
}

func (g *Generator) Classifier() *biome.Classifier {
	return g.classifier
}

// Generate produces the mesh and placement list for a chunk. A chunk is an
// atomic unit of work: the context is only consulted before work starts.
func (g *Generator) Generate(ctx context.Context, coord world.ChunkCoord) (*world.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	started := time.Now()

	ox, oz := coord.Origin(g.settings.ChunkSize)
	chunk := &world.Chunk{
		Coord:  coord,
		Size:   g.settings.ChunkSize,
		Origin: mgl64.Vec3{ox, 0, oz},
	}

	mesh, err := g.buildMesh(coord, ox, oz)
	if err != nil {
		return nil, &GenerationError{Coord: coord, Err: err}
	}
	chunk.Mesh = mesh

	placements, err := g.placeObjects(coord, ox, oz)
	if err != nil {
		return nil, &GenerationError{Coord: coord, Err: err}
	}
	chunk.Placements = placements

	if g.settings.ProgressLogging {
		g.logger.Printf("chunk %v generation progress: 100%% (%d vertices, %d placements, %s)",
			coord, len(mesh.Vertices), len(placements), time.Since(started).Round(time.Microsecond))
	}
	return chunk, nil
}

func (g *Generator) buildMesh(coord world.ChunkCoord, ox, oz float64) (world.Mesh, error) {
	size := g.settings.ChunkSize
	stride := size + 1
	total := stride * stride

	mesh := world.Mesh{
		Vertices:  make([]mgl64.Vec3, total),
		Colors:    make([]mgl64.Vec3, total),
		Triangles: make([]int32, 0, size*size*6),
	}

	nextLogPercent := 25
	for z := 0; z <= size; z++ {
		for x := 0; x <= size; x++ {
			weights, h, err := g.classifier.Sample(ox+float64(x), oz+float64(z))
			if err != nil {
				return world.Mesh{}, fmt.Errorf("vertex (%d,%d): %w", x, z, err)
			}
			idx := z*stride + x
			mesh.Vertices[idx] = mgl64.Vec3{float64(x), h, float64(z)}
			mesh.Colors[idx] = g.classifier.Color(weights)
		}
		if g.settings.ProgressLogging {
			progress := (z + 1) * 100 / stride
			if progress >= nextLogPercent && progress < 100 {
				g.logger.Printf("chunk %v generation progress: %d%%", coord, progress)
				nextLogPercent = ((progress / 25) + 1) * 25
			}
		}
	}

	for z := 0; z < size; z++ {
		for x := 0; x < size; x++ {
			i := int32(z*stride + x)
			s := int32(stride)
			mesh.Triangles = append(mesh.Triangles,
				i, i+s, i+1,
				i+1, i+s, i+s+1,
			)
		}
	}

	mesh.Normals = computeNormals(mesh.Vertices, mesh.Triangles)
	return mesh, nil
}

// computeNormals accumulates area-weighted face normals per vertex.
func computeNormals(vertices []mgl64.Vec3, triangles []int32) []mgl64.Vec3 {
	normals := make([]mgl64.Vec3, len(vertices))
	for t := 0; t+2 < len(triangles); t += 3 {
		a, b, c := triangles[t], triangles[t+1], triangles[t+2]
		face := vertices[b].Sub(vertices[a]).Cross(vertices[c].Sub(vertices[a]))
		normals[a] = normals[a].Add(face)
		normals[b] = normals[b].Add(face)
		normals[c] = normals[c].Add(face)
	}
	for i, n := range normals {
		if n.Len() == 0 {
			normals[i] = mgl64.Vec3{0, 1, 0}
			continue
		}
		normals[i] = n.Normalize()
	}
	return normals
}

func (g *Generator) placeObjects(coord world.ChunkCoord, ox, oz float64) ([]world.Placement, error) {
	rng := newChunkRNG(g.seed, coord)
	biomes := g.classifier.Biomes()
	spacing := g.settings.Spacing
	jitter := float64(spacing)

	var placements []world.Placement
	index := 0
	for x := 0; x < g.settings.ChunkSize; x += spacing {
		for z := 0; z < g.settings.ChunkSize; z += spacing {
			cellX := ox + float64(x)
			cellZ := oz + float64(z)
			weights, err := g.classifier.Weights(cellX, cellZ)
			if err != nil {
				return nil, fmt.Errorf("scan cell (%d,%d): %w", x, z, err)
			}
			for bi, b := range biomes {
				weight := weights[bi]
				if weight <= minPlacementWeight {
					continue
				}
				for _, group := range b.SpawnGroups {
					if rng.float64() >= group.Density*weight {
						continue
					}
					px := cellX + (rng.float64()-0.5)*jitter
					pz := cellZ + (rng.float64()-0.5)*jitter
					kind := ""
					if len(group.Kinds) > 0 {
						kind = group.Kinds[rng.intn(len(group.Kinds))]
					}
					yaw := rng.float64() * 360

					py, err := g.classifier.HeightWeighted(px, pz)
					if err != nil {
						return nil, fmt.Errorf("placement %d: %w", index, err)
					}

					id := world.ObjectID{Chunk: coord, Index: index}
					index++
					placements = append(placements, world.Placement{
						ID:         id,
						Kind:       kind,
						Biome:      b.Name,
						Group:      group.Name,
						Replicated: group.Replicated,
						Position:   mgl64.Vec3{px, py, pz},
						Yaw:        yaw,
						Suppressed: g.destroyed(group.Replicated, id),
					})
				}
			}
		}
	}
	return placements, nil
}

func (g *Generator) destroyed(replicated bool, id world.ObjectID) bool {
	set := g.local
	if replicated {
		set = g.replicated
	}
	if set == nil {
		return false
	}
	return set.IsDestroyed(id)
}
