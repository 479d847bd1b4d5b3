package protocol

import (
	"encoding/json"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"procworld/internal/ledger"
	"procworld/internal/world"
)

// Version is bumped whenever a payload changes incompatibly.
const Version = 1

type MessageType string

const (
	MessageHello              MessageType = "hello"
	MessageWelcome            MessageType = "welcome"
	MessageSeed               MessageType = "seed"
	MessageLedgerRecords      MessageType = "ledgerRecords"
	MessageInteractionRequest MessageType = "interactionRequest"
	MessageInteractionAck     MessageType = "interactionAck"
	MessageViewerUpdate       MessageType = "viewerUpdate"
	MessageResync             MessageType = "resync"
	MessagePickupRequest      MessageType = "pickupRequest"
	MessagePickupResult       MessageType = "pickupResult"
)

// EncodingZstd marks a payload carried as a base64 string of zstd frames.
const EncodingZstd = "zstd"

type Envelope struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq"`
	Encoding  string          `json:"encoding,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type Hello struct {
	ReplicaID       string `json:"replicaId"`
	ProtocolVersion int    `json:"protocolVersion"`
	ViewerID        string `json:"viewerId,omitempty"`
	LastSeq         uint64 `json:"lastSeq"`
}

type Welcome struct {
	ReplicaID    string `json:"replicaId"`
	Seed         int32  `json:"seed"`
	State        string `json:"state"`
	LedgerLength int    `json:"ledgerLength"`
	LastSeq      uint64 `json:"lastSeq"`
}

type Seed struct {
	Seed int32 `json:"seed"`
}

// LedgerRecords is an ordered batch of interaction records. Resync is set
// when the batch answers an explicit resync request.
type LedgerRecords struct {
	Records []ledger.Record `json:"records"`
	Resync  bool            `json:"resync,omitempty"`
}

type InteractionRequest struct {
	RequestID string         `json:"requestId"`
	Origin    string         `json:"origin"`
	Object    world.ObjectID `json:"object"`
	Position  mgl64.Vec3     `json:"position"`
	Destroyed bool           `json:"destroyed"`
}

func RequestFromLedger(req ledger.Request) InteractionRequest {
	return InteractionRequest{
		RequestID: req.ID,
		Origin:    req.Origin,
		Object:    req.Object,
		Position:  req.Position,
		Destroyed: req.Destroyed,
	}
}

func (r InteractionRequest) Ledger() ledger.Request {
	return ledger.Request{
		ID:        r.RequestID,
		Origin:    r.Origin,
		Object:    r.Object,
		Position:  r.Position,
		Destroyed: r.Destroyed,
	}
}

type InteractionAck struct {
	RequestID string `json:"requestId"`
	Accepted  bool   `json:"accepted"`
	Seq       uint64 `json:"seq,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type ViewerUpdate struct {
	ViewerID string     `json:"viewerId"`
	Position mgl64.Vec3 `json:"position"`
	Gone     bool       `json:"gone,omitempty"`
}

type Resync struct {
	After uint64 `json:"after"`
}

type PickupRequest struct {
	PickupID string `json:"pickupId"`
	ViewerID string `json:"viewerId"`
}

type PickupResult struct {
	PickupID string `json:"pickupId"`
	Accepted bool   `json:"accepted"`
	Weapon   string `json:"weapon,omitempty"`
	Slot     int    `json:"slot"`
	Reason   string `json:"reason,omitempty"`
}

// Payloads maps every message type to a zero value of its payload. The
// schema generator walks it.
func Payloads() map[MessageType]any {
	return map[MessageType]any{
		MessageHello:              Hello{},
		MessageWelcome:            Welcome{},
		MessageSeed:               Seed{},
		MessageLedgerRecords:      LedgerRecords{},
		MessageInteractionRequest: InteractionRequest{},
		MessageInteractionAck:     InteractionAck{},
		MessageViewerUpdate:       ViewerUpdate{},
		MessageResync:             Resync{},
		MessagePickupRequest:      PickupRequest{},
		MessagePickupResult:       PickupResult{},
	}
}
