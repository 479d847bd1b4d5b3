package hostserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"procworld/internal/audit"
	"procworld/internal/cluster"
	"procworld/internal/gameplay"
	"procworld/internal/headless"
	"procworld/internal/hostconfig"
	"procworld/internal/ledger"
	"procworld/internal/protocol"
	"procworld/internal/session"
	"procworld/internal/transport"
	"procworld/internal/world"
)

// Recorder receives session events for the optional read model.
type Recorder interface {
	RecordSeed(seed int32)
	WriteRecord(rec ledger.Record)
	RecordChunk(coord world.ChunkCoord, loaded bool)
	RecordReplica(id string, joined bool)
}

type Options struct {
	Logger   *log.Logger
	Cluster  *cluster.Manager
	Recorder Recorder
	Audit    *audit.LedgerLog
	Rand     *rand.Rand
	Now      func() time.Time
}

// Server is the authoritative world host.
type Server struct {
	cfg     *hostconfig.Config
	logger  *log.Logger
	now     func() time.Time
	started time.Time
	rng     *rand.Rand

	session  *session.Session
	hub      *transport.Hub
	bus      *replicationBus
	spawner  *gameplay.WeaponSpawner
	roster   *gameplay.Roster
	replicas *ReplicaIndex
	surfaces *headless.Surfaces
	objects  *headless.Objects
	cluster  *cluster.Manager
	recorder Recorder
	audit    *audit.LedgerLog

	mu      sync.Mutex
	viewers map[string]*remoteViewer
	owners  map[string][]string

	httpSrv *http.Server
}

func New(cfg *hostconfig.Config, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("hostserver: config is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "worldhost ", log.LstdFlags|log.Lmicroseconds)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(now().UnixNano()))
	}

	validator, err := protocol.NewValidator()
	if err != nil {
		return nil, err
	}
	hub, err := transport.NewHub(validator, transport.HubOptions{
		QueueSize:     cfg.Transport.QueueSize,
		RequestLimit:  cfg.Transport.ReportLimit,
		RequestWindow: cfg.Transport.ReportWindow.Duration(),
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		now:      now,
		started:  now(),
		rng:      rng,
		hub:      hub,
		replicas: NewReplicaIndex(cfg.World.ChunkSize),
		surfaces: headless.NewSurfaces(),
		objects:  headless.NewObjects(),
		cluster:  opts.Cluster,
		recorder: opts.Recorder,
		audit:    opts.Audit,
		viewers:  make(map[string]*remoteViewer),
		owners:   make(map[string][]string),
	}
	s.bus = &replicationBus{hub: hub, recorder: opts.Recorder, audit: opts.Audit, logger: logger}
	if s.recorder != nil {
		s.surfaces.OnChange = s.recorder.RecordChunk
	}

	s.session, err = session.New(session.Dependencies{
		Role:            ledger.RoleAuthority,
		ReplicaID:       cfg.HostID,
		Biomes:          cfg.World.BiomeSet(),
		World:           cfg.World.Streaming(),
		Spacing:         cfg.World.Spacing,
		ProgressLogging: cfg.World.ProgressLogging,
		RetryInterval:   cfg.World.RetryInterval.Duration(),
		RetryMax:        cfg.World.RetryMax.Duration(),
		Broadcaster:     s.bus,
		SeedPublisher:   s.bus,
		Surfaces:        s.surfaces,
		Objects:         s.objects,
		Diagnostics: func(coord world.ChunkCoord, err error) {
			logger.Printf("chunk %v: %v", coord, err)
		},
		Logger: logger,
		Rand:   rand.New(rand.NewSource(rng.Int63())),
		Now:    now,
	})
	if err != nil {
		return nil, err
	}

	weapons := make([]gameplay.WeaponType, 0, len(cfg.Gameplay.Weapons))
	for _, w := range cfg.Gameplay.Weapons {
		weapons = append(weapons, gameplay.WeaponType{Name: w.Name, SpawnChance: w.SpawnChance})
	}
	s.spawner, err = gameplay.NewWeaponSpawner(s.session, gameplay.SpawnerOptions{
		MaxWeapons:  cfg.Gameplay.MaxWeapons,
		SpawnRadius: cfg.Gameplay.SpawnRadius,
		Weapons:     weapons,
		Logger:      logger,
		Now:         now,
	})
	if err != nil {
		return nil, err
	}
	s.spawner.Attach(s.session)
	s.roster = gameplay.NewRoster(true, func(id string) {
		logger.Printf("player %s died", id)
	})
	return s, nil
}

// Session exposes the host world session.
func (s *Server) Session() *session.Session {
	return s.session
}

// Start picks the world seed and begins generation.
func (s *Server) Start() error {
	seed := s.cfg.World.Seed
	if s.cfg.World.RandomizeSeed || seed == 0 {
		for seed == 0 {
			seed = s.rng.Int31()
		}
	}
	return s.session.Start(seed)
}

func (s *Server) Run(ctx context.Context) error {
	if s.cluster != nil {
		startCtx, cancelStart := context.WithCancel(ctx)
		defer cancelStart()
		if err := s.cluster.StartAll(startCtx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.cluster.Shutdown(stopCtx)
		}()
	}
	if err := s.Start(); err != nil {
		return fmt.Errorf("start world: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.ListenAddress, s.cfg.HTTPPort)
	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("HTTP server listening on %s", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		s.loop(loopCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	cancelLoop()
	<-loopDone
	return runErr
}

// Handler returns the HTTP API, rate limited per client address.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/world", s.handleWorld)
	mux.HandleFunc("/v1/ledger", s.handleLedger)
	mux.HandleFunc("/v1/spawn", s.handleSpawn)
	mux.HandleFunc("/v1/replicas", s.handleReplicas)
	mux.HandleFunc("/v1/lookup", s.handleLookup)
	mux.HandleFunc("/v1/pickups", s.handlePickups)
	mux.HandleFunc("/v1/players", s.handlePlayers)
	mux.HandleFunc("/v1/damage", s.handleDamage)
	mux.HandleFunc("/v1/ws", s.hub.Handler())
	return rateLimit(s.cfg.Transport.HTTPRequestLimit, time.Minute, s.logger)(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type worldStatus struct {
	session.Snapshot
	Triangles   int                  `json:"triangles"`
	Kinds       map[string]int       `json:"kinds"`
	History     []session.Transition `json:"history"`
	Connections int                  `json:"connections"`
}

func (s *Server) handleWorld(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, worldStatus{
		Snapshot:    s.session.Snapshot(),
		Triangles:   s.surfaces.Triangles(),
		Kinds:       s.objects.Kinds(),
		History:     s.session.Coordinator().History(),
		Connections: len(s.hub.Clients()),
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		after = n
	}
	writeJSON(w, protocol.LedgerRecords{Records: s.session.Ledger().Records(after)})
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	pos, err := s.session.GetValidSpawnPosition()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrNotReady) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, map[string]any{"position": pos, "seed": s.session.Seed()})
}

func (s *Server) handleReplicas(w http.ResponseWriter, r *http.Request) {
	processes := []cluster.ProcessInfo{}
	mode := ""
	if s.cluster != nil {
		processes = s.cluster.Processes()
		mode = s.cluster.Mode()
	}
	writeJSON(w, map[string]any{
		"connected": s.replicas.Replicas(),
		"processes": processes,
		"runtime":   mode,
	})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	xStr := q.Get("x")
	zStr := q.Get("z")
	if xStr == "" || zStr == "" {
		http.Error(w, "x and z query parameters required", http.StatusBadRequest)
		return
	}
	x, err := strconv.ParseFloat(xStr, 64)
	if err != nil {
		http.Error(w, "invalid x parameter", http.StatusBadRequest)
		return
	}
	z, err := strconv.ParseFloat(zStr, 64)
	if err != nil {
		http.Error(w, "invalid z parameter", http.StatusBadRequest)
		return
	}

	info, err := s.replicas.Lookup(x, z)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, info)
}

func (s *Server) handlePickups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.spawner.Pickups())
}

type playerStatus struct {
	ID     string   `json:"id"`
	Health float64  `json:"health"`
	Dead   bool     `json:"dead"`
	Slots  []string `json:"slots"`
	Active int      `json:"active"`
}

func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	ids := s.roster.IDs()
	out := make([]playerStatus, 0, len(ids))
	for _, id := range ids {
		p, ok := s.roster.Lookup(id)
		if !ok {
			continue
		}
		out = append(out, playerStatus{
			ID:     id,
			Health: p.Health.Value(),
			Dead:   p.Health.Dead(),
			Slots:  p.Inventory.Weapons(),
			Active: p.Inventory.ActiveIndex(),
		})
	}
	writeJSON(w, out)
}

// handleDamage applies damage to a player: POST /v1/damage?player=ID&amount=N.
func (s *Server) handleDamage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	id := q.Get("player")
	if id == "" {
		http.Error(w, "player query parameter required", http.StatusBadRequest)
		return
	}
	amount, err := strconv.ParseFloat(q.Get("amount"), 64)
	if err != nil || amount <= 0 {
		http.Error(w, "invalid amount parameter", http.StatusBadRequest)
		return
	}
	p, ok := s.roster.Lookup(id)
	if !ok {
		http.Error(w, "unknown player", http.StatusNotFound)
		return
	}
	killed := p.Health.ApplyDamage(amount)
	writeJSON(w, map[string]any{"player": id, "health": p.Health.Value(), "killed": killed})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
