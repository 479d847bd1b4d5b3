package world

import (
	"fmt"
	"math"
)

// ChunkCoord identifies a square terrain tile in chunk space.
type ChunkCoord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c ChunkCoord) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// Less orders coordinates row by row, which is the order chunks are generated
// in whenever a batch is processed.
func (c ChunkCoord) Less(o ChunkCoord) bool {
	if c.Y != o.Y {
		return c.Y < o.Y
	}
	return c.X < o.X
}

// ObjectID is the deterministic identity of a procedurally placed object: the
// owning chunk plus the scan-order index of the accepted spawn roll.
type ObjectID struct {
	Chunk ChunkCoord `json:"chunk"`
	Index int        `json:"index"`
}

func (id ObjectID) String() string {
	return fmt.Sprintf("%v#%d", id.Chunk, id.Index)
}

// ChunkCoordFor returns the chunk containing a world-space position on the
// horizontal plane.
func ChunkCoordFor(x, z float64, chunkSize int) ChunkCoord {
	if chunkSize <= 0 {
		return ChunkCoord{}
	}
	size := float64(chunkSize)
	return ChunkCoord{
		X: int(math.Floor(x / size)),
		Y: int(math.Floor(z / size)),
	}
}

// ChunkForBlock is the integer variant of ChunkCoordFor.
func ChunkForBlock(x, z, chunkSize int) ChunkCoord {
	return ChunkCoord{X: floorDiv(x, chunkSize), Y: floorDiv(z, chunkSize)}
}

// Origin returns the world-space corner of a chunk.
func (c ChunkCoord) Origin(chunkSize int) (float64, float64) {
	return float64(c.X * chunkSize), float64(c.Y * chunkSize)
}

func floorDiv(value, size int) int {
	if size <= 0 {
		return 0
	}
	if value >= 0 {
		return value / size
	}
	return -((-value - 1) / size) - 1
}
