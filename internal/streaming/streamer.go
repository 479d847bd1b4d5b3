package streaming

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"procworld/internal/world"
)

// Viewer is a tracked position of interest. Position reports false once the
// viewer is gone; it is then dropped before the required set is computed.
type Viewer interface {
	ID() string
	Position() (mgl64.Vec3, bool)
}

// SurfaceSink turns generated mesh data into a drawable, collidable surface.
type SurfaceSink interface {
	Attach(chunk *world.Chunk) (world.Handle, error)
}

// Instantiator materializes a placement as a live object.
type Instantiator interface {
	Instantiate(p world.Placement) (world.Handle, error)
}

// LocalLedger is the client-local decorative interaction state.
type LocalLedger interface {
	world.DestroyedSet
	PruneChunk(coord world.ChunkCoord) int
}

type Settings struct {
	ChunkSize       int
	RadiusX         int
	RadiusY         int
	MinInterval     time.Duration
	BootstrapRadius int
}

type Options struct {
	Settings
	Surfaces    SurfaceSink
	Objects     Instantiator
	Replicated  world.DestroyedSet
	Local       LocalLedger
	Diagnostics func(coord world.ChunkCoord, err error)
	Logger      *log.Logger
}

// Delta summarizes one streaming pass.
type Delta struct {
	Added   []world.ChunkCoord
	Removed []world.ChunkCoord
	Failed  []world.ChunkCoord
	Skipped bool
}

func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Failed) == 0
}

type Stats struct {
	Resident  int
	Objects   int
	Generated uint64
	Evicted   uint64
	Failed    uint64
}

type resident struct {
	chunk   *world.Chunk
	surface world.Handle
	objects map[world.ObjectID]world.Handle
}

// Streamer keeps the resident chunk set equal to the union of the view
// windows around every live viewer. Tick and bootstrap steps are the only
// writers of the resident map.
type Streamer struct {
	generator world.Generator
	opts      Options
	logger    *log.Logger

	writeMu  sync.Mutex
	lastTick time.Time
	required map[world.ChunkCoord]struct{}
	failed   map[world.ChunkCoord]struct{}

	viewerMu sync.Mutex
	viewers  map[string]Viewer

	mu     sync.RWMutex
	chunks map[world.ChunkCoord]*resident
	stats  Stats
}

func New(generator world.Generator, opts Options) (*Streamer, error) {
	if generator == nil {
		return nil, errors.New("streaming: generator is nil")
	}
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("streaming: chunk size %d must be positive", opts.ChunkSize)
	}
	if opts.RadiusX < 0 || opts.RadiusY < 0 || opts.BootstrapRadius < 0 {
		return nil, fmt.Errorf("streaming: radii must not be negative (x=%d y=%d bootstrap=%d)",
			opts.RadiusX, opts.RadiusY, opts.BootstrapRadius)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "streaming ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Streamer{
		generator: generator,
		opts:      opts,
		logger:    logger,
		failed:    make(map[world.ChunkCoord]struct{}),
		viewers:   make(map[string]Viewer),
		chunks:    make(map[world.ChunkCoord]*resident),
	}, nil
}

func (s *Streamer) Settings() Settings {
	return s.opts.Settings
}

// AddViewer starts tracking a viewer. Viewers may join at any time.
func (s *Streamer) AddViewer(v Viewer) {
	if v == nil {
		return
	}
	s.viewerMu.Lock()
	s.viewers[v.ID()] = v
	s.viewerMu.Unlock()
}

func (s *Streamer) RemoveViewer(id string) {
	s.viewerMu.Lock()
	delete(s.viewers, id)
	s.viewerMu.Unlock()
}

func (s *Streamer) ViewerCount() int {
	s.viewerMu.Lock()
	defer s.viewerMu.Unlock()
	return len(s.viewers)
}

// liveViewerCoords drops viewers that are gone and returns the chunk of every
// remaining viewer, ordered by viewer ID.
func (s *Streamer) liveViewerCoords() []world.ChunkCoord {
	s.viewerMu.Lock()
	ids := make([]string, 0, len(s.viewers))
	for id := range s.viewers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	coords := make([]world.ChunkCoord, 0, len(ids))
	for _, id := range ids {
		pos, ok := s.viewers[id].Position()
		if !ok {
			delete(s.viewers, id)
			s.logger.Printf("dropping viewer %s: no longer available", id)
			continue
		}
		coords = append(coords, world.ChunkCoordFor(pos.X(), pos.Z(), s.opts.ChunkSize))
	}
	s.viewerMu.Unlock()
	return coords
}

// RequiredSet returns the union of the elliptical windows around the given
// viewer chunks.
func RequiredSet(centers []world.ChunkCoord, radiusX, radiusY int) map[world.ChunkCoord]struct{} {
	required := make(map[world.ChunkCoord]struct{})
	for _, c := range centers {
		for dy := -radiusY; dy <= radiusY; dy++ {
			for dx := -radiusX; dx <= radiusX; dx++ {
				if !insideEllipse(dx, dy, radiusX, radiusY) {
					continue
				}
				required[world.ChunkCoord{X: c.X + dx, Y: c.Y + dy}] = struct{}{}
			}
		}
	}
	return required
}

func insideEllipse(dx, dy, rx, ry int) bool {
	return axisTerm(dx, rx)+axisTerm(dy, ry) <= 1
}

func axisTerm(d, r int) float64 {
	if r == 0 {
		if d == 0 {
			return 0
		}
		return 2
	}
	return float64(d*d) / float64(r*r)
}

// Tick recomputes the required set and converges the resident set onto it.
// Calls closer together than MinInterval are skipped, as are ticks without
// any live viewer. Evictions run before generation.
func (s *Streamer) Tick(ctx context.Context, now time.Time) (Delta, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.lastTick.IsZero() && now.Sub(s.lastTick) < s.opts.MinInterval {
		return Delta{Skipped: true}, nil
	}
	s.lastTick = now

	centers := s.liveViewerCoords()
	if len(centers) == 0 {
		return Delta{Skipped: true}, nil
	}

	required := RequiredSet(centers, s.opts.RadiusX, s.opts.RadiusY)
	if sameSet(required, s.required) {
		return Delta{}, nil
	}
	s.required = required

	for coord := range s.failed {
		if _, ok := required[coord]; !ok {
			delete(s.failed, coord)
		}
	}

	s.mu.RLock()
	var evict, add []world.ChunkCoord
	for coord := range s.chunks {
		if _, ok := required[coord]; !ok {
			evict = append(evict, coord)
		}
	}
	for coord := range required {
		if _, ok := s.chunks[coord]; ok {
			continue
		}
		if _, ok := s.failed[coord]; ok {
			continue
		}
		add = append(add, coord)
	}
	s.mu.RUnlock()

	sortCoords(evict)
	sortCoords(add)

	var delta Delta
	for _, coord := range evict {
		s.evict(coord)
		delta.Removed = append(delta.Removed, coord)
	}
	for _, coord := range add {
		ok, err := s.load(ctx, coord)
		if err != nil {
			s.required = nil
			return delta, err
		}
		if ok {
			delta.Added = append(delta.Added, coord)
		} else {
			delta.Failed = append(delta.Failed, coord)
		}
	}
	return delta, nil
}

// load generates and materializes one chunk. Generation failures are
// reported through Diagnostics and the chunk is skipped; only context
// cancellation is returned as an error.
func (s *Streamer) load(ctx context.Context, coord world.ChunkCoord) (bool, error) {
	chunk, err := s.generator.Generate(ctx, coord)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		s.fail(coord, err)
		return false, nil
	}

	res := &resident{chunk: chunk, objects: make(map[world.ObjectID]world.Handle)}
	if s.opts.Surfaces != nil {
		surface, err := s.opts.Surfaces.Attach(chunk)
		if err != nil {
			s.fail(coord, fmt.Errorf("attach surface: %w", err))
			return false, nil
		}
		res.surface = surface
	}
	for _, p := range chunk.Placements {
		if p.Suppressed || s.destroyed(p) {
			continue
		}
		if s.opts.Objects == nil {
			continue
		}
		handle, err := s.opts.Objects.Instantiate(p)
		if err != nil {
			s.diagnose(coord, fmt.Errorf("instantiate %v (%s): %w", p.ID, p.Kind, err))
			continue
		}
		if handle != nil {
			res.objects[p.ID] = handle
		}
	}

	s.mu.Lock()
	s.chunks[coord] = res
	s.stats.Generated++
	s.mu.Unlock()
	return true, nil
}

// destroyed re-checks the ledgers at materialization time, covering records
// that arrived while the chunk was being generated.
func (s *Streamer) destroyed(p world.Placement) bool {
	if p.Replicated {
		return s.opts.Replicated != nil && s.opts.Replicated.IsDestroyed(p.ID)
	}
	return s.opts.Local != nil && s.opts.Local.IsDestroyed(p.ID)
}

func (s *Streamer) fail(coord world.ChunkCoord, err error) {
	s.failed[coord] = struct{}{}
	s.mu.Lock()
	s.stats.Failed++
	s.mu.Unlock()
	s.diagnose(coord, err)
}

func (s *Streamer) diagnose(coord world.ChunkCoord, err error) {
	if s.opts.Diagnostics != nil {
		s.opts.Diagnostics(coord, err)
		return
	}
	s.logger.Printf("chunk %v: %v", coord, err)
}

// evict removes a chunk unconditionally, releasing its surface and every
// materialized object, then drops stale decorative ledger entries.
func (s *Streamer) evict(coord world.ChunkCoord) {
	s.mu.Lock()
	res, ok := s.chunks[coord]
	if ok {
		delete(s.chunks, coord)
		s.stats.Evicted++
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	ids := make([]world.ObjectID, 0, len(res.objects))
	for id := range res.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Index < ids[j].Index })
	for _, id := range ids {
		res.objects[id].Release()
	}
	if res.surface != nil {
		res.surface.Release()
	}
	if s.opts.Local != nil {
		s.opts.Local.PruneChunk(coord)
	}
}

// Evict drops a resident chunk outside the normal streaming pass.
func (s *Streamer) Evict(coord world.ChunkCoord) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.evict(coord)
	s.required = nil
}

// Reset evicts every resident chunk and forgets the last required set. It is
// used when the world seed changes.
func (s *Streamer) Reset() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, coord := range s.Resident() {
		s.evict(coord)
	}
	s.required = nil
	s.lastTick = time.Time{}
	s.failed = make(map[world.ChunkCoord]struct{})
}

// ApplyRecord releases the live object an interaction record refers to. It
// is a silent no-op when the object is not materialized.
func (s *Streamer) ApplyRecord(id world.ObjectID, destroyed bool) bool {
	if !destroyed {
		return false
	}
	s.mu.Lock()
	res, ok := s.chunks[id.Chunk]
	var handle world.Handle
	if ok {
		handle, ok = res.objects[id]
		if ok {
			delete(res.objects, id)
		}
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	handle.Release()
	return true
}

// Placement looks up a placement of a resident chunk by its ObjectID.
func (s *Streamer) Placement(id world.ObjectID) (world.Placement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.chunks[id.Chunk]
	if !ok || id.Index < 0 || id.Index >= len(res.chunk.Placements) {
		return world.Placement{}, false
	}
	return res.chunk.Placements[id.Index], true
}

// Materialized reports whether an object currently has a live handle.
func (s *Streamer) Materialized(id world.ObjectID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.chunks[id.Chunk]
	if !ok {
		return false
	}
	_, ok = res.objects[id]
	return ok
}

func (s *Streamer) Chunk(coord world.ChunkCoord) (*world.Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.chunks[coord]
	if !ok {
		return nil, false
	}
	return res.chunk, true
}

// Resident returns the resident coordinates in generation order.
func (s *Streamer) Resident() []world.ChunkCoord {
	s.mu.RLock()
	coords := make([]world.ChunkCoord, 0, len(s.chunks))
	for coord := range s.chunks {
		coords = append(coords, coord)
	}
	s.mu.RUnlock()
	sortCoords(coords)
	return coords
}

func (s *Streamer) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := s.stats
	stats.Resident = len(s.chunks)
	for _, res := range s.chunks {
		stats.Objects += len(res.objects)
	}
	return stats
}

func sameSet(a, b map[world.ChunkCoord]struct{}) bool {
	if b == nil || len(a) != len(b) {
		return false
	}
	for coord := range a {
		if _, ok := b[coord]; !ok {
			return false
		}
	}
	return true
}

func sortCoords(coords []world.ChunkCoord) {
	sort.Slice(coords, func(i, j int) bool { return coords[i].Less(coords[j]) })
}
