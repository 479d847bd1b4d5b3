package world

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestChunkCoordForFloorsNegativePositions(t *testing.T) {
	tests := []struct {
		x, z float64
		want ChunkCoord
	}{
		{x: 0, z: 0, want: ChunkCoord{0, 0}},
		{x: 63.9, z: 64, want: ChunkCoord{0, 1}},
		{x: -0.1, z: -64, want: ChunkCoord{-1, -1}},
		{x: -64.5, z: 640, want: ChunkCoord{-2, 10}},
	}
	for _, tt := range tests {
		if got := ChunkCoordFor(tt.x, tt.z, 64); got != tt.want {
			t.Fatalf("ChunkCoordFor(%v,%v) = %v, want %v", tt.x, tt.z, got, tt.want)
		}
	}
}

func TestChunkForBlockMatchesFloatVariant(t *testing.T) {
	for x := -130; x <= 130; x += 13 {
		for z := -130; z <= 130; z += 11 {
			a := ChunkForBlock(x, z, 32)
			b := ChunkCoordFor(float64(x), float64(z), 32)
			if a != b {
				t.Fatalf("block (%d,%d): %v vs %v", x, z, a, b)
			}
		}
	}
}

func TestChunkHeightAtBounds(t *testing.T) {
	ch := &Chunk{Size: 1}
	ch.Mesh.Vertices = make([]mgl64.Vec3, 4)
	ch.Mesh.Vertices[3][1] = 5
	if h, ok := ch.HeightAt(1, 1); !ok || h != 5 {
		t.Fatalf("HeightAt(1,1) = %v,%v", h, ok)
	}
	if _, ok := ch.HeightAt(2, 0); ok {
		t.Fatalf("expected out of range lookup to fail")
	}
}
