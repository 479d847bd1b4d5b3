package cluster

import (
	"context"
	"sync"
	"time"
)

type process struct {
	id    string
	image string

	mu        sync.RWMutex
	status    string
	startedAt time.Time
	stoppedAt *time.Time
	lastError string

	doneCh      chan struct{}
	doneOnce    sync.Once
	stopFn      func(ctx context.Context) error
	cancelWatch context.CancelFunc
}

// ProcessInfo is the status of one launched replica as exposed over HTTP.
type ProcessInfo struct {
	ID        string     `json:"id"`
	Runtime   string     `json:"runtime"`
	Status    string     `json:"status"`
	Image     string     `json:"image,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

func newProcess(spec launchSpec) *process {
	return &process{
		id:        spec.ID,
		image:     spec.Image,
		status:    "starting",
		startedAt: time.Now(),
		doneCh:    make(chan struct{}),
	}
}

func (p *process) setActiveStatus(status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stoppedAt != nil {
		return
	}
	p.status = status
}

// setFinalStatus records the terminal state once; later calls are ignored.
func (p *process) setFinalStatus(status string, err error) {
	p.doneOnce.Do(func() {
		now := time.Now()
		p.mu.Lock()
		p.status = status
		p.stoppedAt = &now
		if err != nil {
			p.lastError = err.Error()
		}
		p.mu.Unlock()
		if p.cancelWatch != nil {
			p.cancelWatch()
		}
		close(p.doneCh)
	})
}

func (p *process) stop(ctx context.Context) error {
	if p.stopFn == nil {
		return nil
	}
	select {
	case <-p.doneCh:
		return nil
	default:
	}
	return p.stopFn(ctx)
}

func (p *process) info(mode runtimeMode) ProcessInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info := ProcessInfo{
		ID:        p.id,
		Runtime:   string(mode),
		Status:    p.status,
		Image:     p.image,
		StartedAt: p.startedAt,
		LastError: p.lastError,
	}
	if p.stoppedAt != nil {
		stopped := *p.stoppedAt
		info.StoppedAt = &stopped
	}
	return info
}
