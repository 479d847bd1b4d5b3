package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"procworld/internal/biome"
	"procworld/internal/ledger"
	"procworld/internal/noise"
	"procworld/internal/streaming"
	"procworld/internal/terrain"
	"procworld/internal/world"
)

// SpawnClearance is the height above the surface returned by
// GetValidSpawnPosition.
const SpawnClearance = 2.0

// SeedPublisher is the single-value broadcast used for the seed.
type SeedPublisher interface {
	PublishSeed(seed int32)
}

// Dependencies are the collaborators and settings of a session.
type Dependencies struct {
	Role            ledger.Role
	ReplicaID       string
	Biomes          []biome.Biome
	World           streaming.Settings
	Spacing         int
	ProgressLogging bool
	RetryInterval   time.Duration
	RetryMax        time.Duration

	Broadcaster   ledger.Broadcaster
	Forwarder     ledger.Forwarder
	SeedPublisher SeedPublisher
	Surfaces      streaming.SurfaceSink
	Objects       streaming.Instantiator
	Diagnostics   func(coord world.ChunkCoord, err error)

	Logger *log.Logger
	Rand   *rand.Rand
	Now    func() time.Time
}

// Snapshot is a point-in-time view for status endpoints.
type Snapshot struct {
	Role              string  `json:"role"`
	ReplicaID         string  `json:"replicaId"`
	State             State   `json:"state"`
	Seed              int32   `json:"seed"`
	ResidentChunks    int     `json:"residentChunks"`
	LiveObjects       int     `json:"liveObjects"`
	ChunksGenerated   uint64  `json:"chunksGenerated"`
	ChunksFailed      uint64  `json:"chunksFailed"`
	LedgerLength      int     `json:"ledgerLength"`
	LastSeq           uint64  `json:"lastSeq"`
	PendingRequests   int     `json:"pendingRequests"`
	LocalEntries      int     `json:"localEntries"`
	Viewers           int     `json:"viewers"`
	BootstrapProgress float64 `json:"bootstrapProgress"`
}

// Session owns the seed, the replicated and local ledgers and the streaming
// state of one replica.
type Session struct {
	deps   Dependencies
	coord  *Coordinator
	logger *log.Logger

	mu         sync.Mutex
	replicated *ledger.Ledger
	local      *ledger.Ledger
	classifier *biome.Classifier
	streamer   *streaming.Streamer
	bootstrap  *streaming.BootstrapTask
	unsub      []func()
	viewers    map[string]streaming.Viewer
	readyFns   []func()
	readyFired bool
	rng        *rand.Rand
}

func New(deps Dependencies) (*Session, error) {
	if deps.Role != ledger.RoleAuthority && deps.Role != ledger.RoleReplica {
		return nil, fmt.Errorf("session: unsupported role %s", deps.Role)
	}
	if len(deps.Biomes) == 0 {
		return nil, biome.ErrNoBiomes
	}
	if deps.World.ChunkSize <= 0 {
		return nil, fmt.Errorf("session: chunk size %d must be positive", deps.World.ChunkSize)
	}
	if deps.Logger == nil {
		deps.Logger = log.New(log.Writer(), "session ", log.LstdFlags|log.Lmicroseconds)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s := &Session{
		deps:    deps,
		coord:   NewCoordinator(deps.Role, deps.Now),
		logger:  deps.Logger,
		viewers: make(map[string]streaming.Viewer),
		rng:     rng,
	}
	s.replicated, s.local = s.newLedgers()
	return s, nil
}

func (s *Session) newLedgers() (*ledger.Ledger, *ledger.Ledger) {
	opts := ledger.Options{
		Origin:        s.deps.ReplicaID,
		RetryInterval: s.deps.RetryInterval,
		RetryMax:      s.deps.RetryMax,
		Logger:        s.logger,
		Now:           s.deps.Now,
	}
	var replicated *ledger.Ledger
	if s.deps.Role == ledger.RoleAuthority {
		replicated = ledger.NewAuthority(s.deps.Broadcaster, opts)
	} else {
		replicated = ledger.NewReplica(s.deps.Forwarder, opts)
	}
	return replicated, ledger.NewLocal(opts)
}

func (s *Session) Role() ledger.Role {
	return s.deps.Role
}

func (s *Session) State() State {
	return s.coord.State()
}

func (s *Session) Seed() int32 {
	return s.coord.Seed()
}

func (s *Session) Coordinator() *Coordinator {
	return s.coord
}

// Ledger returns the replicated interaction ledger.
func (s *Session) Ledger() *ledger.Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replicated
}

func (s *Session) LocalLedger() *ledger.Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) Streamer() *streaming.Streamer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamer
}

// Start chooses the world seed on the authority, publishes it and begins
// generation.
func (s *Session) Start(seed int32) error {
	if err := s.coord.Start(seed); err != nil {
		return err
	}
	s.logger.Printf("world start with seed %d", seed)
	if s.deps.SeedPublisher != nil {
		s.deps.SeedPublisher.PublishSeed(seed)
	}
	_, err := s.ObserveSeed(seed)
	return err
}

// ObserveSeed feeds a published seed into the coordinator and rebuilds the
// generation pipeline when the seed is new.
func (s *Session) ObserveSeed(seed int32) (bool, error) {
	previous := s.coord.Seed()
	changed, err := s.coord.ObserveSeed(seed)
	if err != nil || !changed {
		return changed, err
	}
	reset := previous != 0 && previous != seed && s.coord.State() == StateGenerating
	if err := s.initialize(seed, reset); err != nil {
		s.coord.Fail(err)
		return true, err
	}
	return true, nil
}

func (s *Session) initialize(seed int32, resetLedgers bool) error {
	s.mu.Lock()
	oldStreamer := s.streamer
	for _, unsub := range s.unsub {
		unsub()
	}
	s.unsub = nil
	if resetLedgers {
		s.replicated, s.local = s.newLedgers()
	}
	replicated, local := s.replicated, s.local
	s.streamer, s.bootstrap, s.classifier = nil, nil, nil
	s.mu.Unlock()

	if oldStreamer != nil {
		oldStreamer.Reset()
	}

	field, err := noise.NewField(seed)
	if err != nil {
		return err
	}
	classifier, err := biome.NewClassifier(field, s.deps.Biomes)
	if err != nil {
		return fmt.Errorf("session: classifier: %w", err)
	}
	generator, err := terrain.NewGenerator(terrain.Settings{
		ChunkSize:       s.deps.World.ChunkSize,
		Spacing:         s.deps.Spacing,
		ProgressLogging: s.deps.ProgressLogging,
	}, classifier, replicated, local, s.logger)
	if err != nil {
		return fmt.Errorf("session: generator: %w", err)
	}
	streamer, err := streaming.New(generator, streaming.Options{
		Settings:    s.deps.World,
		Surfaces:    s.deps.Surfaces,
		Objects:     s.deps.Objects,
		Replicated:  replicated,
		Local:       local,
		Diagnostics: s.deps.Diagnostics,
		Logger:      s.logger,
	})
	if err != nil {
		return fmt.Errorf("session: streamer: %w", err)
	}

	release := func(rec ledger.Record) {
		streamer.ApplyRecord(rec.Object, rec.Destroyed)
	}
	unsub := []func(){replicated.Subscribe(release), local.Subscribe(release)}

	s.mu.Lock()
	s.classifier = classifier
	s.streamer = streamer
	s.bootstrap = streamer.Bootstrap()
	s.unsub = unsub
	viewers := make([]streaming.Viewer, 0, len(s.viewers))
	for _, v := range s.viewers {
		viewers = append(viewers, v)
	}
	s.mu.Unlock()

	for _, v := range viewers {
		streamer.AddViewer(v)
	}
	s.logger.Printf("generation initialized for seed %d (%d biomes, chunk size %d)", seed, len(s.deps.Biomes), s.deps.World.ChunkSize)
	return nil
}

// Step advances the session by one cooperative tick: one bootstrap row while
// generating, one streaming pass once ready.
func (s *Session) Step(ctx context.Context, now time.Time) (streaming.Delta, error) {
	s.mu.Lock()
	streamer, task, replicated := s.streamer, s.bootstrap, s.replicated
	s.mu.Unlock()

	switch s.coord.State() {
	case StateGenerating:
		if task == nil {
			return streaming.Delta{}, nil
		}
		done, err := task.Step(ctx)
		if err != nil {
			if errors.Is(err, streaming.ErrOriginUnavailable) {
				s.coord.Fail(err)
				s.logger.Printf("world generation failed: %v", err)
			}
			return streaming.Delta{}, err
		}
		if done {
			if err := s.coord.Complete(); err != nil {
				return streaming.Delta{}, err
			}
			s.logger.Printf("world ready: %d bootstrap chunks", task.Loaded())
			s.fireReady()
		}
		return streaming.Delta{}, nil
	case StateReady:
		if replicated.Role() == ledger.RoleReplica {
			if err := replicated.RetryStale(ctx); err != nil {
				s.logger.Printf("retry interaction requests: %v", err)
			}
		}
		return streamer.Tick(ctx, now)
	default:
		return streaming.Delta{Skipped: true}, nil
	}
}

// OnWorldGenerated registers fn to run once the world is ready. Subscribers
// registered after that point run immediately.
func (s *Session) OnWorldGenerated(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.readyFired {
		s.mu.Unlock()
		fn()
		return
	}
	s.readyFns = append(s.readyFns, fn)
	s.mu.Unlock()
}

func (s *Session) fireReady() {
	s.mu.Lock()
	if s.readyFired {
		s.mu.Unlock()
		return
	}
	s.readyFired = true
	fns := s.readyFns
	s.readyFns = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Session) AddViewer(v streaming.Viewer) {
	if v == nil {
		return
	}
	s.mu.Lock()
	s.viewers[v.ID()] = v
	streamer := s.streamer
	s.mu.Unlock()
	if streamer != nil {
		streamer.AddViewer(v)
	}
}

func (s *Session) RemoveViewer(id string) {
	s.mu.Lock()
	delete(s.viewers, id)
	streamer := s.streamer
	s.mu.Unlock()
	if streamer != nil {
		streamer.RemoveViewer(id)
	}
}

// SurfacePosition returns the generated surface height at (x, z) plus the
// given clearance.
func (s *Session) SurfacePosition(x, z, clearance float64) (mgl64.Vec3, error) {
	s.mu.Lock()
	classifier := s.classifier
	s.mu.Unlock()
	if classifier == nil || s.coord.State() != StateReady {
		return mgl64.Vec3{}, ErrNotReady
	}
	h, err := classifier.HeightWeighted(x, z)
	if err != nil {
		return mgl64.Vec3{}, err
	}
	return mgl64.Vec3{x, h + clearance, z}, nil
}

// RandomFloat draws from the session random source.
func (s *Session) RandomFloat() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// GetValidSpawnPosition samples a random point of the origin chunk and
// returns it resting on the surface plus SpawnClearance.
func (s *Session) GetValidSpawnPosition() (mgl64.Vec3, error) {
	size := float64(s.deps.World.ChunkSize)
	s.mu.Lock()
	x := s.rng.Float64() * size
	z := s.rng.Float64() * size
	s.mu.Unlock()
	return s.SurfacePosition(x, z, SpawnClearance)
}

// ReportObjectInteraction feeds a gameplay interaction into the ledger that
// owns the object: the replicated ledger for network entities and the local
// ledger for decorative ones. Unknown objects are treated as replicated.
func (s *Session) ReportObjectInteraction(ctx context.Context, id world.ObjectID, pos mgl64.Vec3, destroyed bool) error {
	s.mu.Lock()
	streamer, replicated, local := s.streamer, s.replicated, s.local
	s.mu.Unlock()
	if streamer == nil {
		return ErrNotReady
	}

	target := replicated
	if p, ok := streamer.Placement(id); ok && !p.Replicated {
		target = local
	}
	return target.Report(ctx, ledger.Interaction{Object: id, Position: pos, Destroyed: destroyed})
}

// AcceptRequest appends a forwarded replica request on the authority.
func (s *Session) AcceptRequest(req ledger.Request) (ledger.Record, bool, error) {
	replicated := s.Ledger()
	return replicated.Append(ledger.Interaction{
		Object:    req.Object,
		Position:  req.Position,
		Destroyed: req.Destroyed,
	}, req.Origin, req.ID)
}

// ApplyRecords applies a batch of broadcast records in order. It stops at
// the first sequence gap so the caller can request a resync.
func (s *Session) ApplyRecords(records []ledger.Record) (int, error) {
	replicated := s.Ledger()
	sorted := append([]ledger.Record(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })
	applied := 0
	for _, rec := range sorted {
		ok, err := replicated.Apply(rec)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

func (s *Session) Acknowledge(requestID string) bool {
	return s.Ledger().Acknowledge(requestID)
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	streamer, task, replicated, local := s.streamer, s.bootstrap, s.replicated, s.local
	viewers := len(s.viewers)
	s.mu.Unlock()

	snap := Snapshot{
		Role:            s.deps.Role.String(),
		ReplicaID:       replicated.Origin(),
		State:           s.coord.State(),
		Seed:            s.coord.Seed(),
		LedgerLength:    replicated.Len(),
		LastSeq:         replicated.LastSeq(),
		PendingRequests: replicated.Pending(),
		LocalEntries:    local.Len(),
		Viewers:         viewers,
	}
	if streamer != nil {
		stats := streamer.Stats()
		snap.ResidentChunks = stats.Resident
		snap.LiveObjects = stats.Objects
		snap.ChunksGenerated = stats.Generated
		snap.ChunksFailed = stats.Failed
	}
	if task != nil {
		snap.BootstrapProgress = task.Progress()
	}
	return snap
}
