package hostserver

import (
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"procworld/internal/world"
)

func TestReplicaIndexLookup(t *testing.T) {
	idx := NewReplicaIndex(16)
	now := time.Unix(100, 0)
	idx.Join("beta", "beta-walker", "10.0.0.2:1", now)
	idx.Join("alpha", "alpha-walker", "10.0.0.1:1", now)
	idx.Join("idle", "", "10.0.0.3:1", now)

	if !idx.Move("alpha", mgl64.Vec3{17, 3, 5}, now) {
		t.Fatalf("move alpha failed")
	}
	if !idx.Move("beta", mgl64.Vec3{31.9, 0, 15.9}, now) {
		t.Fatalf("move beta failed")
	}
	if idx.Move("ghost", mgl64.Vec3{}, now) {
		t.Fatalf("unknown replicas cannot move")
	}

	got, err := idx.Lookup(20, 1)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(got) != 2 || got[0].ID != "alpha" || got[1].ID != "beta" {
		t.Fatalf("lookup = %+v", got)
	}
	if got[0].Chunk != (world.ChunkCoord{X: 1, Y: 0}) {
		t.Fatalf("chunk = %v", got[0].Chunk)
	}

	if _, err := idx.Lookup(-1, -1); err == nil {
		t.Fatalf("expected no replica in chunk (-1,-1)")
	}
}

func TestReplicaIndexTouchAndLeave(t *testing.T) {
	idx := NewReplicaIndex(16)
	now := time.Unix(100, 0)
	idx.Join("alpha", "", "addr", now)
	idx.Touch("alpha", true, now.Add(time.Second))
	idx.Touch("alpha", false, now.Add(2*time.Second))

	replicas := idx.Replicas()
	if len(replicas) != 1 || replicas[0].Requests != 2 || replicas[0].Confirmed != 1 {
		t.Fatalf("replicas = %+v", replicas)
	}
	if !replicas[0].LastSeen.Equal(now.Add(2 * time.Second)) {
		t.Fatalf("last seen = %v", replicas[0].LastSeen)
	}
	idx.Leave("alpha")
	if len(idx.Replicas()) != 0 {
		t.Fatalf("leave did not remove the replica")
	}
}
