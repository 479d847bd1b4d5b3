package ledger

import (
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"procworld/internal/world"
)

type recordingBroadcaster struct {
	mu      sync.Mutex
	records []Record
}

func (b *recordingBroadcaster) Broadcast(rec Record) {
	b.mu.Lock()
	b.records = append(b.records, rec)
	b.mu.Unlock()
}

type stubForwarder struct {
	mu   sync.Mutex
	sent []Request
	err  error
}

func (f *stubForwarder) Forward(_ context.Context, req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return f.err
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type noWriter struct{}

func (noWriter) Write(p []byte) (int, error) { return len(p), nil }

func noopLogger() *log.Logger {
	return log.New(noWriter{}, "", 0)
}

func objectID(cx, cy, idx int) world.ObjectID {
	return world.ObjectID{Chunk: world.ChunkCoord{X: cx, Y: cy}, Index: idx}
}

func TestAuthorityAppendsAndBroadcastsInOrder(t *testing.T) {
	b := &recordingBroadcaster{}
	l := NewAuthority(b, Options{Origin: "host", Logger: noopLogger()})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := l.Report(ctx, Interaction{Object: objectID(0, 0, i), Destroyed: true}); err != nil {
			t.Fatalf("report %d: %v", i, err)
		}
	}

	if l.Len() != 5 || l.LastSeq() != 5 {
		t.Fatalf("len=%d lastSeq=%d, want 5/5", l.Len(), l.LastSeq())
	}
	if len(b.records) != 5 {
		t.Fatalf("broadcast %d records, want 5", len(b.records))
	}
	for i, rec := range b.records {
		if rec.Seq != uint64(i+1) {
			t.Fatalf("broadcast %d has seq %d", i, rec.Seq)
		}
		if rec.Object.Index != i {
			t.Fatalf("broadcast %d carries object %v", i, rec.Object)
		}
	}

	tail := l.Records(3)
	if len(tail) != 2 || tail[0].Seq != 4 || tail[1].Seq != 5 {
		t.Fatalf("Records(3) = %+v", tail)
	}
}

func TestDestroyedIsMonotonicAndIdempotent(t *testing.T) {
	l := NewAuthority(nil, Options{Logger: noopLogger()})
	ctx := context.Background()
	id := objectID(0, 0, 3)

	if l.IsDestroyed(id) {
		t.Fatalf("fresh ledger reports object destroyed")
	}
	if err := l.Report(ctx, Interaction{Object: id, Destroyed: true}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if !l.IsDestroyed(id) {
		t.Fatalf("expected object to be destroyed")
	}
	if err := l.Report(ctx, Interaction{Object: id, Destroyed: true}); err != nil {
		t.Fatalf("duplicate report: %v", err)
	}
	if err := l.Report(ctx, Interaction{Object: id, Destroyed: false}); err != nil {
		t.Fatalf("non-destroying report: %v", err)
	}
	if !l.IsDestroyed(id) {
		t.Fatalf("destroyed flag must be final")
	}
	if l.Len() != 3 {
		t.Fatalf("ledger should still grow on duplicates, len=%d", l.Len())
	}
	if l.IsDestroyed(objectID(0, 0, 4)) {
		t.Fatalf("unrelated object reported destroyed")
	}
}

func TestAuthorityDeduplicatesRequestIDs(t *testing.T) {
	b := &recordingBroadcaster{}
	l := NewAuthority(b, Options{Logger: noopLogger()})
	in := Interaction{Object: objectID(1, 1, 0), Destroyed: true}

	first, appended, err := l.Append(in, "replica-a", "req-1")
	if err != nil || !appended {
		t.Fatalf("first append: appended=%v err=%v", appended, err)
	}
	again, appended, err := l.Append(in, "replica-a", "req-1")
	if err != nil {
		t.Fatalf("retry append: %v", err)
	}
	if appended {
		t.Fatalf("retried request must not append twice")
	}
	if again.Seq != first.Seq {
		t.Fatalf("retry returned seq %d, want %d", again.Seq, first.Seq)
	}
	if l.Len() != 1 || len(b.records) != 1 {
		t.Fatalf("len=%d broadcasts=%d, want 1/1", l.Len(), len(b.records))
	}
}

func TestAppendRequiresAuthority(t *testing.T) {
	l := NewReplica(&stubForwarder{}, Options{Logger: noopLogger()})
	if _, _, err := l.Append(Interaction{}, "x", "y"); !errors.Is(err, ErrNotAuthority) {
		t.Fatalf("expected ErrNotAuthority, got %v", err)
	}
}

func TestReplicaForwardsInsteadOfAppending(t *testing.T) {
	f := &stubForwarder{}
	l := NewReplica(f, Options{Origin: "replica-a", Logger: noopLogger()})

	id := objectID(0, 0, 3)
	if err := l.Report(context.Background(), Interaction{Object: id, Position: mgl64.Vec3{1, 2, 3}, Destroyed: true}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if l.Len() != 0 {
		t.Fatalf("replica must not append locally")
	}
	if l.IsDestroyed(id) {
		t.Fatalf("replica must wait for the authority record")
	}
	if len(f.sent) != 1 {
		t.Fatalf("forwarded %d requests, want 1", len(f.sent))
	}
	req := f.sent[0]
	if req.Origin != "replica-a" || req.Object != id || !req.Destroyed || req.ID == "" {
		t.Fatalf("unexpected forwarded request %+v", req)
	}
	if l.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", l.Pending())
	}

	applied, err := l.Apply(Record{Seq: 1, Object: id, Destroyed: true, Origin: "replica-a", RequestID: req.ID})
	if err != nil || !applied {
		t.Fatalf("apply: applied=%v err=%v", applied, err)
	}
	if !l.IsDestroyed(id) {
		t.Fatalf("expected object destroyed after apply")
	}
	if l.Pending() != 0 {
		t.Fatalf("own record should clear the in-flight request, pending=%d", l.Pending())
	}
}

func TestReplicaApplyOrdering(t *testing.T) {
	l := NewReplica(&stubForwarder{}, Options{Logger: noopLogger()})

	var seen []uint64
	cancel := l.Subscribe(func(rec Record) { seen = append(seen, rec.Seq) })

	if _, err := l.Apply(Record{Seq: 1, Object: objectID(0, 0, 0), Destroyed: true}); err != nil {
		t.Fatalf("apply 1: %v", err)
	}
	applied, err := l.Apply(Record{Seq: 1, Object: objectID(0, 0, 0), Destroyed: true})
	if err != nil || applied {
		t.Fatalf("duplicate apply: applied=%v err=%v", applied, err)
	}
	if _, err := l.Apply(Record{Seq: 3, Object: objectID(0, 0, 2)}); !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("expected ErrSequenceGap, got %v", err)
	}
	if _, err := l.Apply(Record{Seq: 2, Object: objectID(0, 0, 1)}); err != nil {
		t.Fatalf("apply 2: %v", err)
	}

	cancel()
	if _, err := l.Apply(Record{Seq: 3, Object: objectID(0, 0, 2)}); err != nil {
		t.Fatalf("apply 3: %v", err)
	}

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("subscriber saw %v, want [1 2]", seen)
	}
	if l.LastSeq() != 3 {
		t.Fatalf("lastSeq = %d, want 3", l.LastSeq())
	}
}

func TestRetryStaleBacksOff(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	f := &stubForwarder{err: errors.New("host unreachable")}
	l := NewReplica(f, Options{
		Origin:        "replica-a",
		RetryInterval: time.Second,
		RetryMax:      4 * time.Second,
		Logger:        noopLogger(),
		Now:           clock.Now,
	})

	ctx := context.Background()
	if err := l.Report(ctx, Interaction{Object: objectID(0, 0, 1), Destroyed: true}); err == nil {
		t.Fatalf("expected forward failure to surface")
	}
	if len(f.sent) != 1 {
		t.Fatalf("sent %d, want 1", len(f.sent))
	}

	clock.now = clock.now.Add(500 * time.Millisecond)
	_ = l.RetryStale(ctx)
	if len(f.sent) != 1 {
		t.Fatalf("retried before the backoff elapsed")
	}

	clock.now = clock.now.Add(600 * time.Millisecond)
	_ = l.RetryStale(ctx)
	if len(f.sent) != 2 {
		t.Fatalf("expected a retry after 1s, sent=%d", len(f.sent))
	}
	if f.sent[1].ID != f.sent[0].ID {
		t.Fatalf("retry must reuse the request id")
	}
	if f.sent[1].Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", f.sent[1].Attempts)
	}

	// Second backoff is doubled.
	clock.now = clock.now.Add(1500 * time.Millisecond)
	_ = l.RetryStale(ctx)
	if len(f.sent) != 2 {
		t.Fatalf("retried before the doubled backoff elapsed")
	}
	clock.now = clock.now.Add(600 * time.Millisecond)
	_ = l.RetryStale(ctx)
	if len(f.sent) != 3 {
		t.Fatalf("expected third attempt, sent=%d", len(f.sent))
	}

	if !l.Acknowledge(f.sent[0].ID) {
		t.Fatalf("acknowledge should clear the in-flight request")
	}
	clock.now = clock.now.Add(time.Minute)
	_ = l.RetryStale(ctx)
	if len(f.sent) != 3 {
		t.Fatalf("acknowledged request was retried")
	}
}

func TestBackoffCapsAtRetryMax(t *testing.T) {
	l := NewReplica(nil, Options{RetryInterval: time.Second, RetryMax: 5 * time.Second, Logger: noopLogger()})
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 1, want: time.Second},
		{attempts: 2, want: 2 * time.Second},
		{attempts: 3, want: 4 * time.Second},
		{attempts: 4, want: 5 * time.Second},
		{attempts: 40, want: 5 * time.Second},
	}
	for _, tt := range tests {
		if got := l.backoff(tt.attempts); got != tt.want {
			t.Fatalf("backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestLocalLedgerPrunesEvictedChunk(t *testing.T) {
	l := NewLocal(Options{Logger: noopLogger()})
	ctx := context.Background()
	_ = l.Report(ctx, Interaction{Object: objectID(0, 0, 1), Destroyed: true})
	_ = l.Report(ctx, Interaction{Object: objectID(0, 0, 2), Destroyed: true})
	_ = l.Report(ctx, Interaction{Object: objectID(1, 0, 1), Destroyed: true})

	if removed := l.PruneChunk(world.ChunkCoord{X: 0, Y: 0}); removed != 2 {
		t.Fatalf("pruned %d records, want 2", removed)
	}
	if l.IsDestroyed(objectID(0, 0, 1)) {
		t.Fatalf("pruned entry still reported destroyed")
	}
	if !l.IsDestroyed(objectID(1, 0, 1)) {
		t.Fatalf("entry from another chunk was pruned")
	}

	auth := NewAuthority(nil, Options{Logger: noopLogger()})
	_ = auth.Report(ctx, Interaction{Object: objectID(0, 0, 1), Destroyed: true})
	if removed := auth.PruneChunk(world.ChunkCoord{}); removed != 0 || !auth.IsDestroyed(objectID(0, 0, 1)) {
		t.Fatalf("replicated ledgers must never be pruned")
	}
}

func TestQueueDrain(t *testing.T) {
	q := NewQueue()
	for _, id := range []string{"a", "b", "c", "d"} {
		q.Enqueue(Request{ID: id})
	}

	batch := q.Drain(0)
	if len(batch) != 4 {
		t.Fatalf("expected 4 requests in batch, got %d", len(batch))
	}
	if q.pending != nil {
		t.Fatalf("expected queue storage to be reset, got len=%d", len(q.pending))
	}

	q.Enqueue(Request{ID: "first"})
	q.Enqueue(Request{ID: "second"})
	q.Enqueue(Request{ID: "third"})

	batch = q.Drain(2)
	if len(batch) != 2 || batch[0].ID != "first" {
		t.Fatalf("unexpected partial batch %+v", batch)
	}
	if q.Len() != 1 || q.pending[0].ID != "third" {
		t.Fatalf("expected 'third' to remain queued")
	}
}
