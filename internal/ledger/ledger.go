package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"procworld/internal/world"
)

type Role int

const (
	// RoleAuthority appends and broadcasts canonical records.
	RoleAuthority Role = iota
	// RoleReplica forwards reports to the authority and applies broadcasts.
	RoleReplica
	// RoleLocal tracks client-local decorative state that is never replicated.
	RoleLocal
)

func (r Role) String() string {
	switch r {
	case RoleAuthority:
		return "authority"
	case RoleReplica:
		return "replica"
	case RoleLocal:
		return "local"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

var (
	ErrSequenceGap  = errors.New("ledger: sequence gap")
	ErrNotAuthority = errors.New("ledger: operation requires the authority role")
	ErrNotReplica   = errors.New("ledger: operation requires the replica role")
)

// Record is one appended interaction. Records are never mutated or removed
// from replicated ledgers.
type Record struct {
	Seq        uint64         `json:"seq"`
	Object     world.ObjectID `json:"object"`
	Position   mgl64.Vec3     `json:"position"`
	Destroyed  bool           `json:"destroyed"`
	Origin     string         `json:"origin,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	AppendedAt time.Time      `json:"appendedAt"`
}

// Interaction is what gameplay code reports.
type Interaction struct {
	Object    world.ObjectID
	Position  mgl64.Vec3
	Destroyed bool
}

// Broadcaster publishes authority appends to every replica in append order.
type Broadcaster interface {
	Broadcast(rec Record)
}

// Forwarder carries a replica's report to the authority.
type Forwarder interface {
	Forward(ctx context.Context, req Request) error
}

type Options struct {
	Origin        string
	RetryInterval time.Duration
	RetryMax      time.Duration
	MaxBatch      int
	Logger        *log.Logger
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RetryInterval <= 0 {
		o.RetryInterval = 500 * time.Millisecond
	}
	if o.RetryMax < o.RetryInterval {
		o.RetryMax = 16 * o.RetryInterval
	}
	if o.Logger == nil {
		o.Logger = log.New(log.Writer(), "ledger ", log.LstdFlags|log.Lmicroseconds)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Ledger is the append-only interaction log. Appends on the authority and
// applies on replicas are serialized so subscribers and broadcasts observe
// records in sequence order.
type Ledger struct {
	role        Role
	opts        Options
	broadcaster Broadcaster
	forwarder   Forwarder

	writeMu sync.Mutex

	mu          sync.RWMutex
	records     []Record
	lastSeq     uint64
	destroyed   map[world.ObjectID]struct{}
	requests    map[string]uint64
	subscribers map[int]func(Record)
	nextSub     int

	queue    *Queue
	flightMu sync.Mutex
	inFlight map[string]Request
}

func newLedger(role Role, opts Options) *Ledger {
	return &Ledger{
		role:        role,
		opts:        opts.withDefaults(),
		destroyed:   make(map[world.ObjectID]struct{}),
		requests:    make(map[string]uint64),
		subscribers: make(map[int]func(Record)),
		queue:       NewQueue(),
		inFlight:    make(map[string]Request),
	}
}

func NewAuthority(b Broadcaster, opts Options) *Ledger {
	l := newLedger(RoleAuthority, opts)
	l.broadcaster = b
	return l
}

func NewReplica(f Forwarder, opts Options) *Ledger {
	if opts.Origin == "" {
		opts.Origin = uuid.NewString()
	}
	l := newLedger(RoleReplica, opts)
	l.forwarder = f
	return l
}

func NewLocal(opts Options) *Ledger {
	return newLedger(RoleLocal, opts)
}

func (l *Ledger) Role() Role {
	return l.role
}

func (l *Ledger) Origin() string {
	return l.opts.Origin
}

// Report records an interaction. The authority and local ledgers append
// directly; a replica queues the report and forwards it to the authority.
func (l *Ledger) Report(ctx context.Context, in Interaction) error {
	switch l.role {
	case RoleAuthority, RoleLocal:
		l.append(in, l.opts.Origin, "")
		return nil
	default:
		l.queue.Enqueue(Request{
			ID:        uuid.NewString(),
			Origin:    l.opts.Origin,
			Object:    in.Object,
			Position:  in.Position,
			Destroyed: in.Destroyed,
			QueuedAt:  l.opts.Now(),
		})
		return l.Flush(ctx)
	}
}

// Append is the authority side of a forwarded request. A request ID that was
// already appended returns the existing record and false.
func (l *Ledger) Append(in Interaction, origin, requestID string) (Record, bool, error) {
	if l.role != RoleAuthority {
		return Record{}, false, ErrNotAuthority
	}
	rec, appended := l.append(in, origin, requestID)
	return rec, appended, nil
}

func (l *Ledger) append(in Interaction, origin, requestID string) (Record, bool) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	if requestID != "" {
		if seq, ok := l.requests[requestID]; ok {
			existing := l.recordLocked(seq)
			l.mu.Unlock()
			return existing, false
		}
	}
	l.lastSeq++
	rec := Record{
		Seq:        l.lastSeq,
		Object:     in.Object,
		Position:   in.Position,
		Destroyed:  in.Destroyed,
		Origin:     origin,
		RequestID:  requestID,
		AppendedAt: l.opts.Now().UTC(),
	}
	l.storeLocked(rec)
	subs := l.subscribersLocked()
	l.mu.Unlock()

	for _, fn := range subs {
		fn(rec)
	}
	if l.broadcaster != nil {
		l.broadcaster.Broadcast(rec)
	}
	return rec, true
}

// Apply ingests a broadcast record on a replica. Records at or below the last
// applied sequence are ignored; a record that skips ahead returns
// ErrSequenceGap so the caller can request a resync.
func (l *Ledger) Apply(rec Record) (bool, error) {
	if l.role != RoleReplica {
		return false, ErrNotReplica
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	if rec.Seq <= l.lastSeq {
		l.mu.Unlock()
		return false, nil
	}
	if rec.Seq != l.lastSeq+1 {
		expected := l.lastSeq + 1
		l.mu.Unlock()
		return false, fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, expected, rec.Seq)
	}
	l.lastSeq = rec.Seq
	l.storeLocked(rec)
	subs := l.subscribersLocked()
	l.mu.Unlock()

	if rec.RequestID != "" && rec.Origin == l.opts.Origin {
		l.Acknowledge(rec.RequestID)
	}
	for _, fn := range subs {
		fn(rec)
	}
	return true, nil
}

func (l *Ledger) storeLocked(rec Record) {
	l.records = append(l.records, rec)
	if rec.Destroyed {
		l.destroyed[rec.Object] = struct{}{}
	}
	if rec.RequestID != "" {
		l.requests[rec.RequestID] = rec.Seq
	}
}

func (l *Ledger) recordLocked(seq uint64) Record {
	i := sort.Search(len(l.records), func(i int) bool { return l.records[i].Seq >= seq })
	if i < len(l.records) && l.records[i].Seq == seq {
		return l.records[i]
	}
	return Record{}
}

func (l *Ledger) subscribersLocked() []func(Record) {
	if len(l.subscribers) == 0 {
		return nil
	}
	ids := make([]int, 0, len(l.subscribers))
	for id := range l.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Record), 0, len(ids))
	for _, id := range ids {
		out = append(out, l.subscribers[id])
	}
	return out
}

// IsDestroyed reports whether any record for the object carries the
// destroyed flag. Once true it stays true.
func (l *Ledger) IsDestroyed(id world.ObjectID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.destroyed[id]
	return ok
}

// Records returns a copy of every record with a sequence number above after.
func (l *Ledger) Records(after uint64) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := sort.Search(len(l.records), func(i int) bool { return l.records[i].Seq > after })
	return append([]Record(nil), l.records[i:]...)
}

func (l *Ledger) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Subscribe registers fn for every new record. The returned function removes
// the subscription.
func (l *Ledger) Subscribe(fn func(Record)) func() {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subscribers[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subscribers, id)
		l.mu.Unlock()
	}
}

// PruneChunk drops the entries of an evicted chunk from a local ledger and
// returns how many were removed. Replicated ledgers are never pruned.
func (l *Ledger) PruneChunk(coord world.ChunkCoord) int {
	if l.role != RoleLocal {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.records[:0]
	removed := 0
	for _, rec := range l.records {
		if rec.Object.Chunk == coord {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	l.records = kept
	for id := range l.destroyed {
		if id.Chunk == coord {
			delete(l.destroyed, id)
		}
	}
	return removed
}
