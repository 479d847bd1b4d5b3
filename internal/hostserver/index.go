package hostserver

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"procworld/internal/world"
)

// ReplicaInfo describes one connected replica and where its viewer is.
type ReplicaInfo struct {
	ID        string           `json:"id"`
	ViewerID  string           `json:"viewerId,omitempty"`
	Addr      string           `json:"addr"`
	JoinedAt  time.Time        `json:"joinedAt"`
	LastSeen  time.Time        `json:"lastSeen"`
	Position  *mgl64.Vec3      `json:"position,omitempty"`
	Chunk     world.ChunkCoord `json:"chunk"`
	Requests  uint64           `json:"requests"`
	Confirmed uint64           `json:"confirmed"`
}

// ReplicaIndex maps connected replicas to the chunks their viewers occupy.
type ReplicaIndex struct {
	chunkSize int

	mu      sync.RWMutex
	entries map[string]*ReplicaInfo
}

func NewReplicaIndex(chunkSize int) *ReplicaIndex {
	return &ReplicaIndex{
		chunkSize: chunkSize,
		entries:   make(map[string]*ReplicaInfo),
	}
}

func (idx *ReplicaIndex) Join(id, viewerID, addr string, now time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[id] = &ReplicaInfo{
		ID:       id,
		ViewerID: viewerID,
		Addr:     addr,
		JoinedAt: now,
		LastSeen: now,
	}
}

func (idx *ReplicaIndex) Leave(id string) {
	idx.mu.Lock()
	delete(idx.entries, id)
	idx.mu.Unlock()
}

// Move records a viewer position reported by a replica.
func (idx *ReplicaIndex) Move(id string, pos mgl64.Vec3, now time.Time) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	entry, ok := idx.entries[id]
	if !ok {
		return false
	}
	p := pos
	entry.Position = &p
	entry.Chunk = world.ChunkCoordFor(pos.X(), pos.Z(), idx.chunkSize)
	entry.LastSeen = now
	return true
}

// Touch counts an interaction request and whether it produced a new record.
func (idx *ReplicaIndex) Touch(id string, appended bool, now time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	entry, ok := idx.entries[id]
	if !ok {
		return
	}
	entry.Requests++
	if appended {
		entry.Confirmed++
	}
	entry.LastSeen = now
}

// Lookup returns the replicas whose viewer stands in the chunk containing the
// world position (x, z).
func (idx *ReplicaIndex) Lookup(x, z float64) ([]ReplicaInfo, error) {
	coord := world.ChunkCoordFor(x, z, idx.chunkSize)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []ReplicaInfo
	for _, entry := range idx.entries {
		if entry.Position != nil && entry.Chunk == coord {
			out = append(out, *entry)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no replica viewer in chunk %v", coord)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (idx *ReplicaIndex) Replicas() []ReplicaInfo {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]ReplicaInfo, 0, len(idx.entries))
	for _, entry := range idx.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
