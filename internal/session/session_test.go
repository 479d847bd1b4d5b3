package session

import (
	"context"
	"errors"
	"log"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"procworld/internal/biome"
	"procworld/internal/ledger"
	"procworld/internal/noise"
	"procworld/internal/streaming"
	"procworld/internal/world"
)

type noWriter struct{}

func (noWriter) Write(p []byte) (int, error) { return len(p), nil }

func noopLogger() *log.Logger {
	return log.New(noWriter{}, "", 0)
}

func rockBiomes() []biome.Biome {
	return []biome.Biome{{
		Name: "plains", NoiseScale: 0.02, HeightScale: 8, HeightThreshold: 1, Color: "#88AA55",
		SpawnGroups: []biome.SpawnGroup{
			{Name: "rocks", Kinds: []string{"rock"}, Density: 1, Replicated: true},
		},
	}}
}

type recordBus struct {
	mu      sync.Mutex
	records []ledger.Record
}

func (b *recordBus) Broadcast(rec ledger.Record) {
	b.mu.Lock()
	b.records = append(b.records, rec)
	b.mu.Unlock()
}

type seedBus struct{ seeds []int32 }

func (b *seedBus) PublishSeed(seed int32) { b.seeds = append(b.seeds, seed) }

type forwardStub struct{ requests []ledger.Request }

func (f *forwardStub) Forward(_ context.Context, req ledger.Request) error {
	f.requests = append(f.requests, req)
	return nil
}

type handle struct {
	objects *objectSink
	id      world.ObjectID
}

func (h handle) Release() {
	h.objects.mu.Lock()
	delete(h.objects.live, h.id)
	h.objects.mu.Unlock()
}

type objectSink struct {
	mu   sync.Mutex
	live map[world.ObjectID]bool
}

func newObjectSink() *objectSink {
	return &objectSink{live: make(map[world.ObjectID]bool)}
}

func (o *objectSink) Instantiate(p world.Placement) (world.Handle, error) {
	o.mu.Lock()
	o.live[p.ID] = true
	o.mu.Unlock()
	return handle{objects: o, id: p.ID}, nil
}

func (o *objectSink) isLive(id world.ObjectID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.live[id]
}

func newTestSession(t *testing.T, role ledger.Role, deps Dependencies) *Session {
	t.Helper()
	deps.Role = role
	if deps.Biomes == nil {
		deps.Biomes = rockBiomes()
	}
	if deps.World.ChunkSize == 0 {
		deps.World = streaming.Settings{ChunkSize: 16, RadiusX: 1, RadiusY: 1, BootstrapRadius: 1}
	}
	deps.Logger = noopLogger()
	deps.Rand = rand.New(rand.NewSource(7))
	s, err := New(deps)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func stepUntilReady(t *testing.T, s *Session) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if _, err := s.Step(ctx, time.Unix(int64(i), 0)); err != nil {
			t.Fatalf("step: %v", err)
		}
		if s.State() == StateReady {
			return
		}
	}
	t.Fatalf("session never became ready, state=%s", s.State())
}

func TestCoordinatorAuthorityLifecycle(t *testing.T) {
	c := NewCoordinator(ledger.RoleAuthority, nil)
	if c.State() != StateUnset {
		t.Fatalf("initial state = %s", c.State())
	}
	if err := c.Start(0); !errors.Is(err, ErrUnsetSeed) {
		t.Fatalf("expected ErrUnsetSeed, got %v", err)
	}
	if err := c.Start(42); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(42); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second start should fail, got %v", err)
	}
	if c.State() != StatePropagating {
		t.Fatalf("state after start = %s", c.State())
	}
	if changed, err := c.ObserveSeed(0); changed || err != nil {
		t.Fatalf("zero seed must be ignored")
	}
	if changed, err := c.ObserveSeed(42); !changed || err != nil {
		t.Fatalf("observe: changed=%v err=%v", changed, err)
	}
	if changed, _ := c.ObserveSeed(42); changed {
		t.Fatalf("repeated seed must not reinitialize")
	}
	if err := c.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := c.Complete(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completing twice should fail, got %v", err)
	}

	want := []State{StatePropagating, StateGenerating, StateReady}
	history := c.History()
	if len(history) != len(want) {
		t.Fatalf("history = %+v", history)
	}
	for i, tr := range history {
		if tr.To != want[i] || tr.Seed != 42 {
			t.Fatalf("transition %d = %+v", i, tr)
		}
	}
}

func TestCoordinatorReplicaSkipsPropagating(t *testing.T) {
	c := NewCoordinator(ledger.RoleReplica, nil)
	if err := c.Start(1); !errors.Is(err, ErrNotAuthority) {
		t.Fatalf("expected ErrNotAuthority, got %v", err)
	}
	if changed, err := c.ObserveSeed(9); !changed || err != nil {
		t.Fatalf("observe: changed=%v err=%v", changed, err)
	}
	if c.State() != StateGenerating {
		t.Fatalf("state = %s, want generating", c.State())
	}
	_ = c.Complete()
	if changed, err := c.ObserveSeed(10); !changed || err != nil {
		t.Fatalf("seed change must reinitialize: changed=%v err=%v", changed, err)
	}
	if c.State() != StateGenerating || c.Seed() != 10 {
		t.Fatalf("state=%s seed=%d after change", c.State(), c.Seed())
	}
}

func TestWorldGeneratedFiresOnce(t *testing.T) {
	seeds := &seedBus{}
	s := newTestSession(t, ledger.RoleAuthority, Dependencies{SeedPublisher: seeds})

	var early, late int
	s.OnWorldGenerated(func() { early++ })

	if _, err := s.GetValidSpawnPosition(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("spawn before ready should fail with ErrNotReady, got %v", err)
	}
	if err := s.Start(42); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(seeds.seeds) != 1 || seeds.seeds[0] != 42 {
		t.Fatalf("seed not published: %v", seeds.seeds)
	}
	stepUntilReady(t, s)

	for i := 0; i < 3; i++ {
		if _, err := s.Step(context.Background(), time.Unix(100+int64(i), 0)); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	s.OnWorldGenerated(func() { late++ })
	if early != 1 || late != 1 {
		t.Fatalf("ready callbacks fired early=%d late=%d, want 1/1", early, late)
	}
	if got := s.Snapshot().ResidentChunks; got != 5 {
		t.Fatalf("bootstrap disk of radius 1 should have 5 chunks, got %d", got)
	}
}

func TestSpawnPositionRestsOnSurface(t *testing.T) {
	s := newTestSession(t, ledger.RoleAuthority, Dependencies{})
	if err := s.Start(42); err != nil {
		t.Fatalf("start: %v", err)
	}
	stepUntilReady(t, s)

	field, err := noise.NewField(42)
	if err != nil {
		t.Fatalf("field: %v", err)
	}
	classifier, err := biome.NewClassifier(field, rockBiomes())
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}

	for i := 0; i < 10; i++ {
		pos, err := s.GetValidSpawnPosition()
		if err != nil {
			t.Fatalf("spawn: %v", err)
		}
		if pos.X() < 0 || pos.X() >= 16 || pos.Z() < 0 || pos.Z() >= 16 {
			t.Fatalf("spawn %v outside the origin chunk", pos)
		}
		h, err := classifier.HeightWeighted(pos.X(), pos.Z())
		if err != nil {
			t.Fatalf("height: %v", err)
		}
		if math.Abs(pos.Y()-(h+SpawnClearance)) > 1e-9 {
			t.Fatalf("spawn height %v, want %v", pos.Y(), h+SpawnClearance)
		}
	}
}

func TestLateReplicaSuppressesDestroyedObject(t *testing.T) {
	bus := &recordBus{}
	host := newTestSession(t, ledger.RoleAuthority, Dependencies{Broadcaster: bus})
	if err := host.Start(42); err != nil {
		t.Fatalf("start: %v", err)
	}
	stepUntilReady(t, host)

	target := world.ObjectID{Chunk: world.ChunkCoord{X: 0, Y: 0}, Index: 3}
	if err := host.ReportObjectInteraction(context.Background(), target, mgl64.Vec3{}, true); err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(bus.records) != 1 {
		t.Fatalf("expected one broadcast record, got %d", len(bus.records))
	}
	if host.Streamer().Materialized(target) {
		t.Fatalf("host must release the destroyed object")
	}

	objects := newObjectSink()
	client := newTestSession(t, ledger.RoleReplica, Dependencies{Forwarder: &forwardStub{}, Objects: objects})
	if _, err := client.ApplyRecords(bus.records); err != nil {
		t.Fatalf("apply records: %v", err)
	}
	if changed, err := client.ObserveSeed(42); !changed || err != nil {
		t.Fatalf("observe seed: changed=%v err=%v", changed, err)
	}
	stepUntilReady(t, client)

	chunk, ok := client.Streamer().Chunk(world.ChunkCoord{})
	if !ok {
		t.Fatalf("origin chunk not generated on the replica")
	}
	if len(chunk.Placements) != 16 {
		t.Fatalf("expected one placement per scan cell, got %d", len(chunk.Placements))
	}
	for _, p := range chunk.Placements {
		live := objects.isLive(p.ID)
		if p.ID == target {
			if live || !p.Suppressed {
				t.Fatalf("destroyed object %v materialized (suppressed=%v)", p.ID, p.Suppressed)
			}
			continue
		}
		if !live {
			t.Fatalf("object %v should be materialized", p.ID)
		}
	}
}

func TestReplicaReportRoundTrip(t *testing.T) {
	fwd := &forwardStub{}
	s := newTestSession(t, ledger.RoleReplica, Dependencies{ReplicaID: "replica-1", Forwarder: fwd})
	if err := s.ReportObjectInteraction(context.Background(), world.ObjectID{}, mgl64.Vec3{}, true); !errors.Is(err, ErrNotReady) {
		t.Fatalf("report before the seed should fail with ErrNotReady, got %v", err)
	}
	if _, err := s.ObserveSeed(5); err != nil {
		t.Fatalf("observe: %v", err)
	}
	stepUntilReady(t, s)

	id := world.ObjectID{Chunk: world.ChunkCoord{X: 1, Y: 0}, Index: 0}
	if err := s.ReportObjectInteraction(context.Background(), id, mgl64.Vec3{1, 2, 3}, true); err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(fwd.requests) != 1 || fwd.requests[0].Origin != "replica-1" {
		t.Fatalf("forwarded %+v", fwd.requests)
	}
	if s.Ledger().IsDestroyed(id) {
		t.Fatalf("replica must wait for the authority record")
	}

	req := fwd.requests[0]
	rec := ledger.Record{Seq: 1, Object: id, Destroyed: true, Origin: req.Origin, RequestID: req.ID}
	if n, err := s.ApplyRecords([]ledger.Record{rec}); n != 1 || err != nil {
		t.Fatalf("apply: n=%d err=%v", n, err)
	}
	if !s.Ledger().IsDestroyed(id) || s.Snapshot().PendingRequests != 0 {
		t.Fatalf("record should mark the object destroyed and clear the request")
	}

	if _, err := s.ApplyRecords([]ledger.Record{{Seq: 5}}); !errors.Is(err, ledger.ErrSequenceGap) {
		t.Fatalf("expected a sequence gap, got %v", err)
	}
}

func TestSeedChangeResetsLedgers(t *testing.T) {
	s := newTestSession(t, ledger.RoleReplica, Dependencies{Forwarder: &forwardStub{}})
	if _, err := s.ObserveSeed(5); err != nil {
		t.Fatalf("observe: %v", err)
	}
	stepUntilReady(t, s)
	if _, err := s.ApplyRecords([]ledger.Record{{Seq: 1, Destroyed: true}}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	changed, err := s.ObserveSeed(6)
	if err != nil || !changed {
		t.Fatalf("seed change: changed=%v err=%v", changed, err)
	}
	if s.State() != StateGenerating {
		t.Fatalf("state = %s after seed change", s.State())
	}
	if s.Ledger().Len() != 0 {
		t.Fatalf("ledger should be reset on seed change")
	}
	stepUntilReady(t, s)
	if s.Seed() != 6 {
		t.Fatalf("seed = %d, want 6", s.Seed())
	}
}

func TestInvalidBiomeFailsSession(t *testing.T) {
	biomes := rockBiomes()
	biomes[0].NoiseScale = 0
	s := newTestSession(t, ledger.RoleReplica, Dependencies{Biomes: biomes, Forwarder: &forwardStub{}})
	if _, err := s.ObserveSeed(3); !errors.Is(err, noise.ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
}
