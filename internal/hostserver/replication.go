package hostserver

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-gl/mathgl/mgl64"

	"procworld/internal/audit"
	"procworld/internal/gameplay"
	"procworld/internal/ledger"
	"procworld/internal/protocol"
	"procworld/internal/transport"
)

// replicationBus fans authority appends and the seed out to every attached
// replica and into the optional read model and audit trail.
type replicationBus struct {
	hub      *transport.Hub
	recorder Recorder
	audit    *audit.LedgerLog
	logger   *log.Logger
	seed     atomic.Int32
}

func (b *replicationBus) Broadcast(rec ledger.Record) {
	if err := b.hub.Broadcast(protocol.MessageLedgerRecords, protocol.LedgerRecords{Records: []ledger.Record{rec}}); err != nil {
		b.logger.Printf("broadcast record %d: %v", rec.Seq, err)
	}
	if b.recorder != nil {
		b.recorder.WriteRecord(rec)
	}
	if b.audit != nil {
		if err := b.audit.WriteRecord(b.seed.Load(), rec); err != nil {
			b.logger.Printf("audit record %d: %v", rec.Seq, err)
		}
	}
}

func (b *replicationBus) PublishSeed(seed int32) {
	b.seed.Store(seed)
	if err := b.hub.Broadcast(protocol.MessageSeed, protocol.Seed{Seed: seed}); err != nil {
		b.logger.Printf("broadcast seed: %v", err)
	}
	if b.recorder != nil {
		b.recorder.RecordSeed(seed)
	}
}

// remoteViewer is the host-side copy of a replica's viewer position.
type remoteViewer struct {
	id string

	mu   sync.Mutex
	pos  mgl64.Vec3
	gone bool
}

func (v *remoteViewer) ID() string {
	return v.id
}

func (v *remoteViewer) Position() (mgl64.Vec3, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pos, !v.gone
}

func (v *remoteViewer) move(pos mgl64.Vec3) {
	v.mu.Lock()
	v.pos = pos
	v.mu.Unlock()
}

func (v *remoteViewer) leave() {
	v.mu.Lock()
	v.gone = true
	v.mu.Unlock()
}

// loop is the single consumer of hub events and the driver of the session.
// Ledger appends only happen here, so a joining replica's backlog and its
// attachment to the broadcast set cannot interleave with an append.
func (s *Server) loop(ctx context.Context) {
	step := time.NewTicker(s.cfg.TickRate.Duration())
	defer step.Stop()

	spawnEvery := s.cfg.Gameplay.SpawnInterval.Duration()
	if spawnEvery <= 0 {
		spawnEvery = time.Second
	}
	spawn := time.NewTicker(spawnEvery)
	defer spawn.Stop()

	var statusC <-chan time.Time
	if every := s.cfg.StatusInterval.Duration(); every > 0 {
		status := time.NewTicker(every)
		defer status.Stop()
		statusC = status.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case join := <-s.hub.Joins():
			s.handleJoin(join)
		case in := <-s.hub.Inbox():
			s.dispatch(ctx, in)
		case conn := <-s.hub.Leaves():
			s.handleLeave(conn)
		case now := <-step.C:
			if _, err := s.session.Step(ctx, now); err != nil && ctx.Err() == nil {
				s.logger.Printf("session step: %v", err)
			}
		case <-spawn.C:
			s.spawnWeapon()
		case <-statusC:
			s.logStatus()
		}
	}
}

func (s *Server) handleJoin(join transport.Join) {
	conn, hello := join.Conn, join.Hello
	snap := s.session.Snapshot()
	welcome := protocol.Welcome{
		ReplicaID:    hello.ReplicaID,
		Seed:         snap.Seed,
		State:        snap.State.String(),
		LedgerLength: snap.LedgerLength,
		LastSeq:      snap.LastSeq,
	}
	if err := conn.Send(protocol.MessageWelcome, welcome); err != nil {
		s.logger.Printf("welcome %s: %v", conn.ID(), err)
		return
	}
	if err := s.sendBacklog(conn, hello.LastSeq, false); err != nil {
		s.logger.Printf("backlog for %s: %v", conn.ID(), err)
		return
	}
	s.hub.Attach(conn)
	s.replicas.Join(conn.ID(), hello.ViewerID, conn.Addr(), s.now())
	if hello.ViewerID != "" {
		s.roster.Player(hello.ViewerID)
	}
	if s.recorder != nil {
		s.recorder.RecordReplica(conn.ID(), true)
	}
	s.logger.Printf("replica %s joined from %s (after seq %d, backlog up to %d)", conn.ID(), conn.Addr(), hello.LastSeq, snap.LastSeq)
}

func (s *Server) handleLeave(conn *transport.Conn) {
	s.mu.Lock()
	owned := s.owners[conn.ID()]
	delete(s.owners, conn.ID())
	for _, id := range owned {
		if v, ok := s.viewers[id]; ok {
			v.leave()
			delete(s.viewers, id)
		}
	}
	s.mu.Unlock()

	for _, id := range owned {
		s.session.RemoveViewer(id)
		s.roster.Remove(id)
	}
	s.replicas.Leave(conn.ID())
	if s.recorder != nil {
		s.recorder.RecordReplica(conn.ID(), false)
	}
	s.logger.Printf("replica %s left", conn.ID())
}

// sendBacklog sends every record after the given sequence in batches.
func (s *Server) sendBacklog(conn *transport.Conn, after uint64, resync bool) error {
	records := s.session.Ledger().Records(after)
	batch := s.cfg.Transport.BacklogBatch
	if batch <= 0 {
		batch = 512
	}
	if len(records) == 0 && resync {
		return conn.Send(protocol.MessageLedgerRecords, protocol.LedgerRecords{Records: []ledger.Record{}, Resync: true})
	}
	for start := 0; start < len(records); start += batch {
		end := start + batch
		if end > len(records) {
			end = len(records)
		}
		msg := protocol.LedgerRecords{Records: records[start:end], Resync: resync}
		if err := conn.Send(protocol.MessageLedgerRecords, msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, in transport.Inbound) {
	env := in.Envelope
	var err error
	switch env.Type {
	case protocol.MessageInteractionRequest:
		err = s.handleInteraction(in.Conn, env)
	case protocol.MessageViewerUpdate:
		err = s.handleViewerUpdate(in.Conn, env)
	case protocol.MessageResync:
		var req protocol.Resync
		if err = env.DecodePayload(&req); err == nil {
			err = s.sendBacklog(in.Conn, req.After, true)
		}
	case protocol.MessagePickupRequest:
		err = s.handlePickup(in.Conn, env)
	default:
		s.logger.Printf("unexpected %s from %s", env.Type, in.Conn.ID())
	}
	if err != nil && ctx.Err() == nil {
		s.logger.Printf("%s from %s: %v", env.Type, in.Conn.ID(), err)
	}
}

func (s *Server) handleInteraction(conn *transport.Conn, env protocol.Envelope) error {
	var req protocol.InteractionRequest
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	if req.Origin == "" {
		req.Origin = conn.ID()
	}
	rec, appended, err := s.session.AcceptRequest(req.Ledger())
	ack := protocol.InteractionAck{RequestID: req.RequestID, Accepted: err == nil, Seq: rec.Seq}
	switch {
	case err != nil:
		ack.Reason = err.Error()
	case !appended:
		ack.Reason = "duplicate"
	}
	s.replicas.Touch(conn.ID(), appended, s.now())
	return conn.Send(protocol.MessageInteractionAck, ack)
}

func (s *Server) handleViewerUpdate(conn *transport.Conn, env protocol.Envelope) error {
	var upd protocol.ViewerUpdate
	if err := env.DecodePayload(&upd); err != nil {
		return err
	}
	id := upd.ViewerID
	if id == "" {
		id = conn.ID()
	}

	s.mu.Lock()
	v, known := s.viewers[id]
	if upd.Gone {
		if known {
			v.leave()
			delete(s.viewers, id)
			s.owners[conn.ID()] = without(s.owners[conn.ID()], id)
		}
		s.mu.Unlock()
		if known {
			s.session.RemoveViewer(id)
		}
		return nil
	}
	if !known {
		v = &remoteViewer{id: id}
		s.viewers[id] = v
		s.owners[conn.ID()] = append(s.owners[conn.ID()], id)
	}
	v.move(upd.Position)
	s.mu.Unlock()

	if !known {
		s.session.AddViewer(v)
	}
	s.replicas.Move(conn.ID(), upd.Position, s.now())
	return nil
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func (s *Server) handlePickup(conn *transport.Conn, env protocol.Envelope) error {
	var req protocol.PickupRequest
	if err := env.DecodePayload(&req); err != nil {
		return err
	}
	viewer := req.ViewerID
	if viewer == "" {
		viewer = conn.ID()
	}
	player := s.roster.Player(viewer)
	pickup, slot, err := s.spawner.Claim(req.PickupID, player.Inventory)
	result := protocol.PickupResult{PickupID: req.PickupID, Accepted: err == nil, Weapon: pickup.Weapon, Slot: slot}
	if err != nil {
		result.Reason = err.Error()
		if !errors.Is(err, gameplay.ErrUnknownPickup) && !errors.Is(err, gameplay.ErrInventoryFull) {
			s.logger.Printf("claim %s for %s: %v", req.PickupID, viewer, err)
		}
	} else {
		s.logger.Printf("%s picked up %s into slot %d", viewer, pickup.Weapon, slot)
	}
	return conn.Send(protocol.MessagePickupResult, result)
}

func (s *Server) spawnWeapon() {
	p, ok, err := s.spawner.Tick()
	if err != nil {
		s.logger.Printf("spawn weapon: %v", err)
		return
	}
	if ok {
		s.logger.Printf("spawned %s at (%.1f, %.1f, %.1f)", p.Weapon, p.Position.X(), p.Position.Y(), p.Position.Z())
	}
}

func (s *Server) logStatus() {
	snap := s.session.Snapshot()
	s.logger.Printf("status: state=%s seed=%d chunks=%d triangles=%s objects=%s ledger=%s replicas=%d pickups=%d up since %s",
		snap.State, snap.Seed, snap.ResidentChunks,
		humanize.Comma(int64(s.surfaces.Triangles())),
		humanize.Comma(int64(snap.LiveObjects)),
		humanize.Comma(int64(snap.LedgerLength)),
		len(s.hub.Clients()), s.spawner.Count(),
		humanize.Time(s.started))
}
