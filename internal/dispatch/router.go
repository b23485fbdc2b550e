// Package dispatch routes job messages between the control loop and the
// connection pool. Connection goroutines feed one inbound queue; a single
// control goroutine drains it with Next/Dispatch and runs the handlers
// registered for each packet kind.
package dispatch

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/1ureka/vmpi/internal/pool"
	"github.com/1ureka/vmpi/internal/protocol"
	"github.com/1ureka/vmpi/internal/util"
)

// Special destinations for Send.
const (
	Broadcast  = -2 // every occupied slot
	Persistent = -3 // every occupied slot, and every slot that joins later
)

var (
	ErrEmptyMessage = errors.New("empty message")
	ErrQueueEmpty   = errors.New("inbound queue is empty")
)

// Handler processes one message. It returns false when it does not
// recognise the message.
type Handler func(msg *Message) bool

// Router is the message dispatch router of one process.
type Router struct {
	pool *pool.Pool

	// Registry; written before the control loop starts, read-only after.
	handlers map[protocol.Kind]Handler
	internal map[uint8]Handler
	frozen   atomic.Bool

	mu    sync.Mutex // guards queue
	queue deque

	errMu sync.Mutex // guards errq
	errq  []int

	wake chan struct{}

	persistMu  sync.Mutex // guards persistent; held across fan-out and accept
	persistent [][]byte

	cbMu      sync.Mutex
	callbacks []DisconnectFunc

	goneMu sync.Mutex // guards gone
	gone   map[int][]chan struct{}
}

// New creates a router whose pool holds at most capacity connections.
func New(capacity int) *Router {
	r := &Router{
		handlers: make(map[protocol.Kind]Handler),
		internal: make(map[uint8]Handler),
		wake:     make(chan struct{}, 1),
		gone:     make(map[int][]chan struct{}),
	}
	r.pool = pool.New(capacity, r)
	return r
}

// Pool exposes the connection table for metadata queries.
func (r *Router) Pool() *pool.Pool {
	return r.pool
}

// Close tears down every connection. Pending disconnect notifications are
// dropped.
func (r *Router) Close() {
	r.pool.Close()
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Register installs the handler for one packet kind. Registration must
// happen before the first Next/Dispatch call; it panics afterwards, on a
// duplicate kind, and for KindInternal (use RegisterInternal).
func (r *Router) Register(kind protocol.Kind, h Handler) {
	r.mustBeOpen()
	if kind == protocol.KindInternal {
		panic("dispatch: KindInternal is reserved, use RegisterInternal")
	}
	if _, dup := r.handlers[kind]; dup {
		panic(fmt.Sprintf("dispatch: duplicate handler for packet kind %d", kind))
	}
	r.handlers[kind] = h
}

// RegisterInternal installs the handler for one KindInternal sub-kind.
func (r *Router) RegisterInternal(sub uint8, h Handler) {
	r.mustBeOpen()
	switch sub {
	case protocol.SubGrouped, protocol.SubMachineName, protocol.SubRemotePrint:
		panic(fmt.Sprintf("dispatch: internal sub-kind %d is built in", sub))
	}
	if _, dup := r.internal[sub]; dup {
		panic(fmt.Sprintf("dispatch: duplicate handler for internal sub-kind %d", sub))
	}
	r.internal[sub] = h
}

func (r *Router) mustBeOpen() {
	if r.frozen.Load() {
		panic("dispatch: handler registered after dispatch started")
	}
}

// ---------------------------------------------------------------------------
// Connections
// ---------------------------------------------------------------------------

// Accept promotes nc into the pool. greeting messages go out first, then
// every persistent message in original order, then normal traffic.
// Returns pool.InvalidID when the pool is full; nc is left open in that case.
func (r *Router) Accept(nc net.Conn, service bool, greeting ...[]byte) int {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	prime := make([][]byte, 0, len(greeting)+len(r.persistent))
	prime = append(prime, greeting...)
	for _, m := range r.persistent {
		if !service || protocol.Whitelisted(protocol.MessageKind(m)) {
			prime = append(prime, m)
		}
	}

	id := r.pool.Acquire(nc, service, prime...)
	if id != pool.InvalidID {
		util.LogDebug("[%03d] connection from %s (service=%v, replayed %d)",
			id, nc.RemoteAddr(), service, len(prime)-len(greeting))
	}
	return id
}

// Release closes a connection without running the disconnect callbacks,
// for connections nobody has observed yet (a failed handshake). Its queued
// messages are dropped like on any other release.
func (r *Router) Release(id int) {
	r.pool.Release(id)
}

// Gone returns a channel that is closed once the connection now in slot id
// is released. It is closed immediately when the slot is free.
func (r *Router) Gone(id int) <-chan struct{} {
	ch := make(chan struct{})
	r.goneMu.Lock()
	r.gone[id] = append(r.gone[id], ch)
	r.goneMu.Unlock()

	if !r.pool.Valid(id) {
		r.closeGone(id)
	}
	return ch
}

func (r *Router) closeGone(id int) {
	r.goneMu.Lock()
	chs := r.gone[id]
	delete(r.gone, id)
	r.goneMu.Unlock()
	for _, ch := range chs {
		close(ch)
	}
}

// Count returns the number of live connections.
func (r *Router) Count() int {
	return r.pool.Count()
}

// Name returns the display name of a connection.
func (r *Router) Name(id int) string {
	return r.pool.Name(id)
}

// Valid reports whether id is a live connection.
func (r *Router) Valid(id int) bool {
	return r.pool.Valid(id)
}

// IsService reports whether id is a file-transfer-only connection.
func (r *Router) IsService(id int) bool {
	return r.pool.IsService(id)
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send concatenates chunks into one logical message and queues it for dest:
// a slot ID, Broadcast, or Persistent. Fan-out skips service connections
// unless the packet kind is whitelisted for them.
func (r *Router) Send(dest int, chunks ...[]byte) error {
	msg := protocol.Join(chunks...)
	if len(msg) == 0 {
		return ErrEmptyMessage
	}
	if len(msg) > protocol.MaxFrameSize {
		return fmt.Errorf("send %d bytes: %w", len(msg), protocol.ErrFrameTooLarge)
	}
	includeService := protocol.Whitelisted(protocol.MessageKind(msg))

	switch dest {
	case Persistent:
		r.persistMu.Lock()
		r.persistent = append(r.persistent, msg)
		r.pool.SendAll(msg, includeService)
		r.persistMu.Unlock()
	case Broadcast:
		r.pool.SendAll(msg, includeService)
	default:
		if err := r.pool.Send(dest, msg); err != nil {
			return err
		}
	}
	util.Stats.AddMsgSent()
	return nil
}

// PersistentCount returns how many messages are archived for replay.
func (r *Router) PersistentCount() int {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	return len(r.persistent)
}

// ---------------------------------------------------------------------------
// pool.Sink
// ---------------------------------------------------------------------------

// Deliver appends a received message to the inbound queue.
func (r *Router) Deliver(id int, msg []byte) {
	r.mu.Lock()
	r.queue.pushBack(&Message{Data: msg, Source: id})
	r.mu.Unlock()
	r.signal()
}

// Failed queues id for the disconnect pipeline.
func (r *Router) Failed(id int) {
	r.errMu.Lock()
	r.errq = append(r.errq, id)
	r.errMu.Unlock()
	r.signal()
}

// Released drops every queued message of a slot that is being freed. The
// pool calls it under the slot lock, so nothing from the next occupant can
// be queued yet.
func (r *Router) Released(id int) {
	r.mu.Lock()
	dropped := r.queue.removeIf(func(m *Message) bool { return m.Source == id })
	r.mu.Unlock()
	if dropped > 0 {
		util.LogDebug("[%03d] dropped %d queued messages", id, dropped)
	}
	r.closeGone(id)
}

func (r *Router) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
