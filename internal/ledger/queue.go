package ledger

import (
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"procworld/internal/world"
)

// Request is an interaction report travelling from a replica to the
// authority. The ID lets the authority drop retried duplicates.
type Request struct {
	ID          string         `json:"requestId"`
	Origin      string         `json:"origin"`
	Object      world.ObjectID `json:"object"`
	Position    mgl64.Vec3     `json:"position"`
	Destroyed   bool           `json:"destroyed"`
	QueuedAt    time.Time      `json:"-"`
	LastAttempt time.Time      `json:"-"`
	Attempts    int            `json:"-"`
}

// Queue holds requests waiting to be forwarded.
type Queue struct {
	mu      sync.Mutex
	pending []Request
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Enqueue(req Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, req)
}

// Drain removes up to max requests in FIFO order. max <= 0 drains everything.
func (q *Queue) Drain(max int) []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	if max <= 0 || max >= len(q.pending) {
		batch := q.pending
		q.pending = nil
		return batch
	}
	batch := append([]Request(nil), q.pending[:max]...)
	q.pending = append([]Request(nil), q.pending[max:]...)
	return batch
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
