package replica

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// turnEvery is how long the walker keeps a heading before picking a new one.
const turnEvery = 10 * time.Second

// Walker is a bot viewer that wanders across the world at a fixed speed.
type Walker struct {
	id    string
	speed float64
	rng   *rand.Rand

	mu      sync.Mutex
	pos     mgl64.Vec3
	heading float64
	walked  time.Duration
}

func NewWalker(id string, start mgl64.Vec3, speed float64, rng *rand.Rand) *Walker {
	return &Walker{
		id:      id,
		speed:   speed,
		rng:     rng,
		pos:     start,
		heading: rng.Float64() * 2 * math.Pi,
	}
}

func (w *Walker) ID() string {
	return w.id
}

func (w *Walker) Position() (mgl64.Vec3, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos, true
}

// Advance moves the walker along its heading for dt and returns the new
// position.
func (w *Walker) Advance(dt time.Duration) mgl64.Vec3 {
	if dt <= 0 {
		pos, _ := w.Position()
		return pos
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.walked += dt
	if w.walked >= turnEvery {
		w.walked = 0
		w.heading = w.rng.Float64() * 2 * math.Pi
	}
	dist := w.speed * dt.Seconds()
	w.pos = mgl64.Vec3{
		w.pos.X() + math.Cos(w.heading)*dist,
		w.pos.Y(),
		w.pos.Z() + math.Sin(w.heading)*dist,
	}
	return w.pos
}

// Place moves the walker to pos without changing its heading.
func (w *Walker) Place(pos mgl64.Vec3) {
	w.mu.Lock()
	w.pos = pos
	w.mu.Unlock()
}

// SetHeight puts the walker on the given surface height.
func (w *Walker) SetHeight(y float64) {
	w.mu.Lock()
	w.pos[1] = y
	w.mu.Unlock()
}
