package terrain

import "procworld/internal/world"

// chunkRNG is a xorshift64 stream reseeded per chunk so that placement does
// not depend on generation order or on which replica generates the chunk.
type chunkRNG struct {
	state uint64
}

func newChunkRNG(seed int32, coord world.ChunkCoord) *chunkRNG {
	state := uint64(uint32(coord.X))<<32 | uint64(uint32(coord.Y))
	state = mix64(state ^ mix64(uint64(uint32(seed))))
	if state == 0 {
		state = 0x9e3779b97f4a7c15
	}
	return &chunkRNG{state: state}
}

func (r *chunkRNG) next() uint64 {
	r.state ^= r.state << 7
	r.state ^= r.state >> 9
	r.state ^= r.state << 8
	return r.state
}

// float64 returns a value in [0,1).
func (r *chunkRNG) float64() float64 {
	return float64(r.next()>>11) / (1 << 53)
}

func (r *chunkRNG) intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(r.next() % uint64(n))
}

// mix64 is the splitmix64 finalizer.
func mix64(v uint64) uint64 {
	v += 0x9e3779b97f4a7c15
	v = (v ^ (v >> 30)) * 0xbf58476d1ce4e5b9
	v = (v ^ (v >> 27)) * 0x94d049bb133111eb
	return v ^ (v >> 31)
}
