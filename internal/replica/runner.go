// Package replica runs a headless, non-authoritative world replica: it
// connects to the host, adopts its seed, generates chunks around a walking
// bot viewer, forwards the bot's interactions and applies the host's ledger.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-gl/mathgl/mgl64"

	"procworld/internal/config"
	"procworld/internal/headless"
	"procworld/internal/ledger"
	"procworld/internal/protocol"
	"procworld/internal/session"
	"procworld/internal/transport"
	"procworld/internal/world"
)

const (
	viewerEvery = 250 * time.Millisecond
	eyeHeight   = 1.7
)

var errNotConnected = errors.New("replica: not connected to host")

// sender is the outbound half of a host connection.
type sender interface {
	Send(msgType protocol.MessageType, payload any) error
}

// forwarder carries ledger requests over the current host connection.
type forwarder struct {
	mu  sync.Mutex
	out sender
}

func (f *forwarder) set(out sender) {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
}

func (f *forwarder) Forward(_ context.Context, req ledger.Request) error {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	if out == nil {
		return errNotConnected
	}
	return out.Send(protocol.MessageInteractionRequest, protocol.RequestFromLedger(req))
}

type Options struct {
	Logger *log.Logger
	Rand   *rand.Rand
	Now    func() time.Time
}

type Runner struct {
	cfg    *config.Config
	logger *log.Logger
	now    func() time.Time
	rng    *rand.Rand

	session   *session.Session
	surfaces  *headless.Surfaces
	objects   *headless.Objects
	walker    *Walker
	forwarder *forwarder

	lastStep      time.Time
	resyncPending bool
	reports       uint64
	rejected      uint64
}

func New(cfg *config.Config, opts Options) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("replica: config is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "replica ", log.LstdFlags|log.Lmicroseconds)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(now().UnixNano()))
	}

	r := &Runner{
		cfg:       cfg,
		logger:    logger,
		now:       now,
		rng:       rng,
		surfaces:  headless.NewSurfaces(),
		objects:   headless.NewObjects(),
		forwarder: &forwarder{},
	}
	viewerID := cfg.Replica.ViewerID
	if viewerID == "" {
		viewerID = cfg.Replica.ID + "-walker"
	}
	r.walker = NewWalker(viewerID, mgl64.Vec3{}, cfg.Replica.WalkSpeed, rand.New(rand.NewSource(rng.Int63())))

	var err error
	r.session, err = session.New(session.Dependencies{
		Role:            ledger.RoleReplica,
		ReplicaID:       cfg.Replica.ID,
		Biomes:          cfg.World.BiomeSet(),
		World:           cfg.World.Streaming(),
		Spacing:         cfg.World.Spacing,
		ProgressLogging: cfg.World.ProgressLogging,
		RetryInterval:   cfg.World.RetryInterval.Duration(),
		RetryMax:        cfg.World.RetryMax.Duration(),
		Forwarder:       r.forwarder,
		Surfaces:        r.surfaces,
		Objects:         r.objects,
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
	r.session.AddViewer(r.walker)
	r.session.OnWorldGenerated(func() {
		pos, err := r.session.GetValidSpawnPosition()
		if err != nil {
			logger.Printf("spawn position: %v", err)
			return
		}
		r.walker.Place(pos)
		logger.Printf("walker %s spawned at (%.1f, %.1f, %.1f)", r.walker.ID(), pos.X(), pos.Y(), pos.Z())
	})
	return r, nil
}

func (r *Runner) Session() *session.Session {
	return r.session
}

// Run connects to the host and keeps the replica running until ctx ends,
// reconnecting after ReconnectDelay whenever the connection drops.
func (r *Runner) Run(ctx context.Context) error {
	for {
		err := r.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		delay := r.cfg.Replica.ReconnectDelay.Duration()
		if delay <= 0 {
			delay = 2 * time.Second
		}
		r.logger.Printf("connection to %s lost: %v; reconnecting in %s", r.cfg.Replica.HostURL, err, delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (r *Runner) connectOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := transport.Dial(dialCtx, r.cfg.Replica.HostURL)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	hello := protocol.Hello{
		ReplicaID:       r.cfg.Replica.ID,
		ProtocolVersion: protocol.Version,
		ViewerID:        r.walker.ID(),
		LastSeq:         r.session.Ledger().LastSeq(),
	}
	if err := client.Send(protocol.MessageHello, hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	r.forwarder.set(client)
	defer r.forwarder.set(nil)
	r.resyncPending = false

	inbound := make(chan protocol.Envelope, 64)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			env, err := client.Receive()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- env:
			case <-done:
				return
			}
		}
	}()

	return r.serve(ctx, client, inbound, readErr)
}

// serve drives the session and handles host messages until the connection
// fails or ctx ends.
func (r *Runner) serve(ctx context.Context, out sender, inbound <-chan protocol.Envelope, readErr <-chan error) error {
	step := time.NewTicker(r.cfg.Replica.TickRate.Duration())
	defer step.Stop()
	viewer := time.NewTicker(viewerEvery)
	defer viewer.Stop()

	var reportC, statusC <-chan time.Time
	if every := r.cfg.Replica.ReportInterval.Duration(); every > 0 {
		report := time.NewTicker(every)
		defer report.Stop()
		reportC = report.C
	}
	if every := r.cfg.Replica.StatusInterval.Duration(); every > 0 {
		status := time.NewTicker(every)
		defer status.Stop()
		statusC = status.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case env := <-inbound:
			if err := r.handle(out, env); err != nil {
				r.logger.Printf("%s: %v", env.Type, err)
			}
		case now := <-step.C:
			r.step(ctx, now)
		case <-viewer.C:
			pos, _ := r.walker.Position()
			if err := out.Send(protocol.MessageViewerUpdate, protocol.ViewerUpdate{ViewerID: r.walker.ID(), Position: pos}); err != nil {
				return fmt.Errorf("send viewer update: %w", err)
			}
		case <-reportC:
			r.report(ctx)
		case <-statusC:
			r.logStatus()
		}
	}
}

func (r *Runner) handle(out sender, env protocol.Envelope) error {
	switch env.Type {
	case protocol.MessageWelcome:
		var w protocol.Welcome
		if err := env.DecodePayload(&w); err != nil {
			return err
		}
		r.logger.Printf("welcomed by host: seed %d, %s, ledger length %d", w.Seed, w.State, w.LedgerLength)
		return r.observeSeed(w.Seed)
	case protocol.MessageSeed:
		var s protocol.Seed
		if err := env.DecodePayload(&s); err != nil {
			return err
		}
		return r.observeSeed(s.Seed)
	case protocol.MessageLedgerRecords:
		var batch protocol.LedgerRecords
		if err := env.DecodePayload(&batch); err != nil {
			return err
		}
		return r.applyRecords(out, batch)
	case protocol.MessageInteractionAck:
		var ack protocol.InteractionAck
		if err := env.DecodePayload(&ack); err != nil {
			return err
		}
		r.session.Acknowledge(ack.RequestID)
		if !ack.Accepted {
			r.rejected++
			r.logger.Printf("interaction %s rejected: %s", ack.RequestID, ack.Reason)
		}
		return nil
	case protocol.MessagePickupResult:
		var res protocol.PickupResult
		if err := env.DecodePayload(&res); err != nil {
			return err
		}
		r.logger.Printf("pickup %s: accepted=%v weapon=%s slot=%d %s", res.PickupID, res.Accepted, res.Weapon, res.Slot, res.Reason)
		return nil
	default:
		return fmt.Errorf("unexpected message from host")
	}
}

func (r *Runner) observeSeed(seed int32) error {
	if seed == 0 {
		return nil
	}
	changed, err := r.session.ObserveSeed(seed)
	if err != nil {
		return err
	}
	if changed {
		r.logger.Printf("adopted seed %d", seed)
	}
	return nil
}

// applyRecords applies a ledger batch and asks for a resync on a gap.
func (r *Runner) applyRecords(out sender, batch protocol.LedgerRecords) error {
	if batch.Resync {
		r.resyncPending = false
	}
	_, err := r.session.ApplyRecords(batch.Records)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ledger.ErrSequenceGap) {
		return err
	}
	if r.resyncPending {
		return nil
	}
	after := r.session.Ledger().LastSeq()
	r.logger.Printf("%v; requesting records after %d", err, after)
	r.resyncPending = true
	return out.Send(protocol.MessageResync, protocol.Resync{After: after})
}

func (r *Runner) step(ctx context.Context, now time.Time) {
	if !r.lastStep.IsZero() && r.session.State() == session.StateReady {
		pos := r.walker.Advance(now.Sub(r.lastStep))
		if surface, err := r.session.SurfacePosition(pos.X(), pos.Z(), eyeHeight); err == nil {
			r.walker.SetHeight(surface.Y())
		}
	}
	r.lastStep = now
	if _, err := r.session.Step(ctx, now); err != nil && ctx.Err() == nil {
		r.logger.Printf("session step: %v", err)
	}
}

// report destroys the live object nearest to the walker.
func (r *Runner) report(ctx context.Context) {
	if r.session.State() != session.StateReady {
		return
	}
	pos, _ := r.walker.Position()
	target, ok := r.objects.Nearest(pos.X(), pos.Z(), nil)
	if !ok {
		return
	}
	r.reports++
	if err := r.session.ReportObjectInteraction(ctx, target.ID, target.Position, true); err != nil {
		r.logger.Printf("report %v (%s): %v", target.ID, target.Kind, err)
	}
}

func (r *Runner) logStatus() {
	snap := r.session.Snapshot()
	pos, _ := r.walker.Position()
	r.logger.Printf("status: state=%s seed=%d chunks=%d triangles=%s objects=%s ledger=%s pending=%d reports=%s rejected=%d walker=(%.0f, %.0f)",
		snap.State, snap.Seed, snap.ResidentChunks,
		humanize.Comma(int64(r.surfaces.Triangles())),
		humanize.Comma(int64(snap.LiveObjects)),
		humanize.Comma(int64(snap.LedgerLength)),
		snap.PendingRequests,
		humanize.Comma(int64(r.reports)),
		r.rejected, pos.X(), pos.Z())
}
