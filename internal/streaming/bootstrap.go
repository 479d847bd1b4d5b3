package streaming

import (
	"context"
	"errors"
	"fmt"

	"procworld/internal/world"
)

// ErrOriginUnavailable is returned when the origin chunk of the bootstrap
// disk cannot be generated; without it there is no spawn surface.
var ErrOriginUnavailable = errors.New("streaming: origin chunk unavailable")

// BootstrapTask generates the initial disk of chunks around the origin one
// row per Step so the caller's loop is never blocked for the whole disk.
type BootstrapTask struct {
	streamer *Streamer
	radius   int
	row      int
	done     bool
	loaded   int
	failed   int
}

// Bootstrap returns a task covering every chunk with dx²+dy² ≤ r² around
// (0,0), where r is the configured bootstrap radius.
func (s *Streamer) Bootstrap() *BootstrapTask {
	return &BootstrapTask{
		streamer: s,
		radius:   s.opts.BootstrapRadius,
		row:      -s.opts.BootstrapRadius,
	}
}

// Step generates the next row of the disk. It returns true once every row
// has been processed.
func (t *BootstrapTask) Step(ctx context.Context) (bool, error) {
	if t.done {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s := t.streamer
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	dy := t.row
	r2 := t.radius * t.radius
	for dx := -t.radius; dx <= t.radius; dx++ {
		if dx*dx+dy*dy > r2 {
			continue
		}
		coord := world.ChunkCoord{X: dx, Y: dy}
		if _, ok := s.Chunk(coord); ok {
			continue
		}
		ok, err := s.load(ctx, coord)
		if err != nil {
			return false, err
		}
		if !ok {
			t.failed++
			if coord == (world.ChunkCoord{}) {
				t.done = true
				return true, fmt.Errorf("%w: %v", ErrOriginUnavailable, coord)
			}
			continue
		}
		t.loaded++
	}
	s.required = nil

	t.row++
	if t.row > t.radius {
		t.done = true
		s.logger.Printf("bootstrap complete: %d chunks generated, %d failed", t.loaded, t.failed)
	}
	return t.done, nil
}

// Progress reports the fraction of rows processed.
func (t *BootstrapTask) Progress() float64 {
	rows := 2*t.radius + 1
	if t.done {
		return 1
	}
	return float64(t.row+t.radius) / float64(rows)
}

func (t *BootstrapTask) Loaded() int {
	return t.loaded
}
