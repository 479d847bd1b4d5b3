package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"procworld/internal/protocol"
)

var ErrClosed = errors.New("transport: connection closed")

// Join is delivered once a replica finished the hello handshake. The host
// queues its welcome and backlog on Conn before calling Attach.
type Join struct {
	Conn  *Conn
	Hello protocol.Hello
}

// Inbound is a validated frame from an attached or joining replica.
type Inbound struct {
	Conn     *Conn
	Envelope protocol.Envelope
}

type HubOptions struct {
	QueueSize       int
	HandshakeWait   time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestLimit    int
	RequestWindow   time.Duration
	MaxMessageBytes int64
	Logger          *log.Logger
}

func (o HubOptions) withDefaults() HubOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.HandshakeWait <= 0 {
		o.HandshakeWait = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.RequestLimit <= 0 {
		o.RequestLimit = 120
	}
	if o.RequestWindow <= 0 {
		o.RequestWindow = time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if o.Logger == nil {
		o.Logger = log.New(log.Writer(), "transport ", log.LstdFlags|log.Lmicroseconds)
	}
	return o
}

// Hub is the host side of the replication websocket.
type Hub struct {
	opts      HubOptions
	logger    *log.Logger
	validator *protocol.Validator
	upgrader  websocket.Upgrader
	requests  *limiter.Limiter
	seq       atomic.Uint64

	joins  chan Join
	inbox  chan Inbound
	leaves chan *Conn

	mu      sync.RWMutex
	clients map[string]*Conn
}

func NewHub(validator *protocol.Validator, opts HubOptions) (*Hub, error) {
	if validator == nil {
		return nil, errors.New("transport: validator is nil")
	}
	opts = opts.withDefaults()
	return &Hub{
		opts:      opts,
		logger:    opts.Logger,
		validator: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		requests: limiter.New(memory.NewStore(), limiter.Rate{
			Period: opts.RequestWindow,
			Limit:  int64(opts.RequestLimit),
		}),
		joins:   make(chan Join, 16),
		inbox:   make(chan Inbound, opts.QueueSize),
		leaves:  make(chan *Conn, 16),
		clients: make(map[string]*Conn),
	}, nil
}

func (h *Hub) Joins() <-chan Join {
	return h.joins
}

func (h *Hub) Inbox() <-chan Inbound {
	return h.inbox
}

func (h *Hub) Leaves() <-chan *Conn {
	return h.leaves
}

// Conn is one replica connection. Frames are written by a dedicated goroutine
// draining the out queue.
type Conn struct {
	id   string
	addr string
	ws   *websocket.Conn
	out  chan []byte
	hub  *Hub

	closeOnce sync.Once
	done      chan struct{}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Addr() string {
	return c.addr
}

// Send queues an envelope for this connection.
func (c *Conn) Send(msgType protocol.MessageType, payload any) error {
	frame, err := c.hub.prepare(msgType, payload)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

func (c *Conn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
		c.Close()
		return fmt.Errorf("transport: send queue of %s full, dropping connection", c.id)
	}
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (h *Hub) prepare(msgType protocol.MessageType, payload any) ([]byte, error) {
	env, err := protocol.NewEnvelope(msgType, h.seq.Add(1), payload)
	if err != nil {
		return nil, err
	}
	return protocol.Encode(env)
}

// Attach adds a joined connection to the broadcast set.
func (h *Hub) Attach(c *Conn) {
	h.mu.Lock()
	if existing, ok := h.clients[c.id]; ok && existing != c {
		existing.Close()
	}
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) detach(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.clients[c.id]; ok && existing == c {
		delete(h.clients, c.id)
		return true
	}
	return false
}

// Broadcast sends one envelope to every attached connection. Connections
// whose queue is full are dropped.
func (h *Hub) Broadcast(msgType protocol.MessageType, payload any) error {
	frame, err := h.prepare(msgType, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	clients := make([]*Conn, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.enqueue(frame); err != nil && !errors.Is(err, ErrClosed) {
			h.logger.Printf("broadcast %s: %v", msgType, err)
		}
	}
	return nil
}

func (h *Hub) Clients() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ws, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		ws.SetReadLimit(h.opts.MaxMessageBytes)

		hello, ok := h.handshake(ws)
		if !ok {
			_ = ws.Close()
			return
		}
		conn := &Conn{
			id:   hello.ReplicaID,
			addr: r.RemoteAddr,
			ws:   ws,
			out:  make(chan []byte, h.opts.QueueSize),
			hub:  h,
			done: make(chan struct{}),
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go h.writeLoop(ctx, conn)

		select {
		case h.joins <- Join{Conn: conn, Hello: hello}:
		case <-ctx.Done():
			return
		}

		h.readLoop(ctx, conn)

		h.detach(conn)
		select {
		case h.leaves <- conn:
		case <-time.After(h.opts.WriteTimeout):
			h.logger.Printf("leave of %s not consumed", conn.id)
		}
	}
}

func (h *Hub) handshake(ws *websocket.Conn) (protocol.Hello, bool) {
	_ = ws.SetReadDeadline(time.Now().Add(h.opts.HandshakeWait))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		return protocol.Hello{}, false
	}
	env, err := h.validator.Validate(frame)
	if err != nil || env.Type != protocol.MessageHello {
		h.closeWith(ws, "expected hello")
		return protocol.Hello{}, false
	}
	var hello protocol.Hello
	if err := env.DecodePayload(&hello); err != nil {
		h.closeWith(ws, "bad hello")
		return protocol.Hello{}, false
	}
	if hello.ProtocolVersion != protocol.Version {
		h.closeWith(ws, "bad protocolVersion")
		return protocol.Hello{}, false
	}
	return hello, true
}

func (h *Hub) closeWith(ws *websocket.Conn, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
}

func (h *Hub) writeLoop(ctx context.Context, c *Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *Conn) {
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := h.validator.Validate(frame)
		if err != nil {
			h.logger.Printf("drop frame from %s: %v", c.id, err)
			continue
		}
		if limited(env.Type) && h.reached(ctx, c.id) {
			h.logger.Printf("drop %s from %s: rate limit reached", env.Type, c.id)
			continue
		}
		select {
		case h.inbox <- Inbound{Conn: c, Envelope: env}:
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func limited(t protocol.MessageType) bool {
	return t == protocol.MessageInteractionRequest || t == protocol.MessagePickupRequest
}

func (h *Hub) reached(ctx context.Context, key string) bool {
	lctx, err := h.requests.Get(ctx, key)
	if err != nil {
		h.logger.Printf("rate limiter error: %v", err)
		return false
	}
	return lctx.Reached
}
