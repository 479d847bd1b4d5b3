package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Flush forwards every queued request to the authority. Each forwarded
// request moves to the in-flight set until it is acknowledged or its record
// arrives; failed sends stay in flight and are picked up by RetryStale.
func (l *Ledger) Flush(ctx context.Context) error {
	if l.role != RoleReplica {
		return nil
	}
	batch := l.queue.Drain(l.opts.MaxBatch)
	if len(batch) == 0 {
		return nil
	}

	now := l.opts.Now()
	var errs []error
	for _, req := range batch {
		req.Attempts++
		req.LastAttempt = now

		l.flightMu.Lock()
		l.inFlight[req.ID] = req
		l.flightMu.Unlock()

		if l.forwarder == nil {
			errs = append(errs, fmt.Errorf("forward request %s: no forwarder", req.ID))
			continue
		}
		if err := l.forwarder.Forward(ctx, req); err != nil {
			l.opts.Logger.Printf("forward interaction %s for %v (attempt %d): %v", req.ID, req.Object, req.Attempts, err)
			errs = append(errs, fmt.Errorf("forward request %s: %w", req.ID, err))
		}
	}
	return errors.Join(errs...)
}

// RetryStale re-queues in-flight requests whose backoff has elapsed and
// flushes them again. Delivery is at-least-once; the authority drops
// duplicates by request ID.
func (l *Ledger) RetryStale(ctx context.Context) error {
	if l.role != RoleReplica {
		return nil
	}
	now := l.opts.Now()

	l.flightMu.Lock()
	var stale []Request
	for id, req := range l.inFlight {
		if req.LastAttempt.IsZero() {
			continue
		}
		if now.Sub(req.LastAttempt) < l.backoff(req.Attempts) {
			continue
		}
		delete(l.inFlight, id)
		stale = append(stale, req)
	}
	l.flightMu.Unlock()

	if len(stale) == 0 {
		return nil
	}
	sort.Slice(stale, func(i, j int) bool {
		if !stale[i].QueuedAt.Equal(stale[j].QueuedAt) {
			return stale[i].QueuedAt.Before(stale[j].QueuedAt)
		}
		return stale[i].ID < stale[j].ID
	})
	for _, req := range stale {
		l.opts.Logger.Printf("retrying interaction %s for %v after %d attempt(s)", req.ID, req.Object, req.Attempts)
		req.LastAttempt = time.Time{}
		l.queue.Enqueue(req)
	}
	return l.Flush(ctx)
}

// Acknowledge clears an in-flight request.
func (l *Ledger) Acknowledge(requestID string) bool {
	l.flightMu.Lock()
	defer l.flightMu.Unlock()
	if _, ok := l.inFlight[requestID]; !ok {
		return false
	}
	delete(l.inFlight, requestID)
	return true
}

// Pending counts queued and unacknowledged requests.
func (l *Ledger) Pending() int {
	l.flightMu.Lock()
	inFlight := len(l.inFlight)
	l.flightMu.Unlock()
	return inFlight + l.queue.Len()
}

func (l *Ledger) backoff(attempts int) time.Duration {
	d := l.opts.RetryInterval
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= l.opts.RetryMax {
			return l.opts.RetryMax
		}
	}
	return d
}
