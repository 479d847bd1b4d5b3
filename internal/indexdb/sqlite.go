package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"procworld/internal/ledger"
	"procworld/internal/world"
)

// SQLiteIndex is a queryable read model of a host session. Writes are queued
// and applied in batches by a single writer goroutine; when the queue is full
// entries are dropped, the in-memory ledger stays authoritative.
type SQLiteIndex struct {
	db     *sql.DB
	logger *log.Logger

	ch          chan req
	wg          sync.WaitGroup
	once        sync.Once
	closed      atomic.Bool
	dropped     atomic.Uint64
	commitEvery int
	maxWait     time.Duration
}

type reqKind int

const (
	reqSeed reqKind = iota + 1
	reqRecord
	reqChunk
	reqReplica
)

type req struct {
	kind reqKind
	at   time.Time

	seed    int32
	record  ledger.Record
	chunk   world.ChunkCoord
	loaded  bool
	replica string
	joined  bool
}

type Options struct {
	QueueSize   int
	CommitEvery int
	MaxWait     time.Duration
	Logger      *log.Logger
}

func OpenSQLite(path string, opts Options) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 65536
	}
	if opts.CommitEvery <= 0 {
		opts.CommitEvery = 1000
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "indexdb ", log.LstdFlags|log.Lmicroseconds)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:          db,
		logger:      opts.Logger,
		ch:          make(chan req, opts.QueueSize),
		commitEvery: opts.CommitEvery,
		maxWait:     opts.MaxWait,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			seed INTEGER PRIMARY KEY,
			started_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ledger (
			seed INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			chunk_x INTEGER NOT NULL,
			chunk_y INTEGER NOT NULL,
			object_index INTEGER NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			destroyed INTEGER NOT NULL,
			origin TEXT,
			request_id TEXT,
			appended_at TEXT NOT NULL,
			PRIMARY KEY (seed, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_chunk ON ledger(seed, chunk_x, chunk_y);`,
		`CREATE TABLE IF NOT EXISTS chunk_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			seed INTEGER NOT NULL,
			chunk_x INTEGER NOT NULL,
			chunk_y INTEGER NOT NULL,
			loaded INTEGER NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS replica_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			replica_id TEXT NOT NULL,
			joined INTEGER NOT NULL,
			at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Dropped reports how many entries were discarded because the queue was full.
func (s *SQLiteIndex) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	r.at = time.Now().UTC()
	select {
	case s.ch <- r:
	default:
		s.dropped.Add(1)
	}
}

// RecordSeed starts a new session; later records are keyed by this seed.
func (s *SQLiteIndex) RecordSeed(seed int32) {
	s.enqueue(req{kind: reqSeed, seed: seed})
}

func (s *SQLiteIndex) WriteRecord(rec ledger.Record) {
	s.enqueue(req{kind: reqRecord, record: rec})
}

func (s *SQLiteIndex) RecordChunk(coord world.ChunkCoord, loaded bool) {
	s.enqueue(req{kind: reqChunk, chunk: coord, loaded: loaded})
}

func (s *SQLiteIndex) RecordReplica(id string, joined bool) {
	s.enqueue(req{kind: reqReplica, replica: id, joined: joined})
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	var (
		tx         *sql.Tx
		opCount    int
		lastCommit = time.Now()
		seed       int32
	)

	begin := func() bool {
		if tx != nil {
			return true
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.logger.Printf("begin transaction: %v", err)
			time.Sleep(50 * time.Millisecond)
			return false
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
		return true
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.logger.Printf("commit: %v", err)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func(err error) {
		s.logger.Printf("write failed, dropping batch: %v", err)
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
	}

	ticker := time.NewTicker(s.maxWait)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			if !begin() {
				continue
			}
			if r.kind == reqSeed {
				seed = r.seed
			}
			if err := s.apply(tx, seed, r); err != nil {
				rollback(err)
				continue
			}
			opCount++
			if opCount >= s.commitEvery || time.Since(lastCommit) >= s.maxWait {
				commit()
			}
		case <-ticker.C:
			commit()
		}
	}
}

func (s *SQLiteIndex) apply(tx *sql.Tx, seed int32, r req) error {
	at := r.at.Format(time.RFC3339Nano)
	switch r.kind {
	case reqSeed:
		_, err := tx.Exec(`INSERT OR REPLACE INTO sessions(seed,started_at) VALUES(?,?)`, seed, at)
		return err
	case reqRecord:
		rec := r.record
		_, err := tx.Exec(`INSERT OR REPLACE INTO ledger(seed,seq,chunk_x,chunk_y,object_index,x,y,z,destroyed,origin,request_id,appended_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
			seed, int64(rec.Seq),
			rec.Object.Chunk.X, rec.Object.Chunk.Y, rec.Object.Index,
			rec.Position[0], rec.Position[1], rec.Position[2],
			boolInt(rec.Destroyed), rec.Origin, rec.RequestID,
			rec.AppendedAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	case reqChunk:
		_, err := tx.Exec(`INSERT INTO chunk_events(seed,chunk_x,chunk_y,loaded,at) VALUES(?,?,?,?,?)`,
			seed, r.chunk.X, r.chunk.Y, boolInt(r.loaded), at)
		return err
	case reqReplica:
		_, err := tx.Exec(`INSERT INTO replica_events(replica_id,joined,at) VALUES(?,?,?)`,
			r.replica, boolInt(r.joined), at)
		return err
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
