// Package pool owns every peer connection of a job in a fixed-capacity table
// of slots. Callers address connections by slot ID only; each slot has its
// own lock and every operation on a slot happens under it, so a teardown can
// never race a send.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/1ureka/vmpi/internal/transport"
	"github.com/1ureka/vmpi/internal/util"
)

const (
	MaxSlots  = 256 // hard cap on simultaneous connections
	InvalidID = -1
)

var ErrInvalidSlot = errors.New("slot is not occupied")

// Sink receives what the per-connection goroutines produce. Deliver is
// called in receive order for one connection; Failed at most once per
// occupancy of a slot. Released runs under the slot lock while the slot is
// being freed, after the last Deliver of that occupancy and before anyone can
// acquire the slot again.
type Sink interface {
	Deliver(id int, msg []byte)
	Failed(id int)
	Released(id int)
}

// Info is a snapshot of one connection's metadata.
type Info struct {
	ID      int
	Name    string
	Service bool
	Remote  string
	Errored bool
	ErrText string
}

// Pool is the connection slot table.
type Pool struct {
	mu       sync.Mutex // serialises acquisition and guards growth of slots
	slots    []*Conn
	capacity int
	count    atomic.Int32

	sink Sink
}

// New creates an empty pool. capacity is clamped to [1, MaxSlots].
func New(capacity int, sink Sink) *Pool {
	if capacity <= 0 || capacity > MaxSlots {
		capacity = MaxSlots
	}
	return &Pool{capacity: capacity, sink: sink}
}

// Capacity returns the configured maximum number of slots.
func (p *Pool) Capacity() int {
	return p.capacity
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Acquire binds nc to the lowest free slot, growing the table if needed.
// prime messages are queued before the slot becomes visible to any other
// sender, so they reach the peer ahead of all other traffic. Returns
// InvalidID (and leaves nc untouched) when the pool is full.
func (p *Pool) Acquire(nc net.Conn, service bool, prime ...[]byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.freeSlotLocked()
	if c == nil {
		return InvalidID
	}
	// c.mu is held.

	c.gen++
	gen := c.gen
	id := c.id
	c.stream = transport.NewStream(nc, func(err error) { p.report(c, gen, err) })
	for _, m := range prime {
		c.stream.Send(m)
	}
	c.occupied = true
	c.service = service
	c.errored = false
	c.errText = ""
	c.remote = nc.RemoteAddr().String()
	c.name = c.remote
	stream := c.stream
	c.mu.Unlock()

	p.count.Add(1)
	util.Stats.AddConn()

	go p.readLoop(c, gen, stream)
	return id
}

// freeSlotLocked returns a free slot with its lock held, or nil.
// Caller holds p.mu.
func (p *Pool) freeSlotLocked() *Conn {
	for _, c := range p.slots {
		c.mu.Lock()
		if !c.occupied {
			return c
		}
		c.mu.Unlock()
	}
	if len(p.slots) >= p.capacity {
		return nil
	}
	c := &Conn{id: len(p.slots)}
	p.slots = append(p.slots, c)
	c.mu.Lock()
	return c
}

// Release closes the slot's socket and frees the slot. Releasing a free or
// unknown slot is a no-op.
func (p *Pool) Release(id int) {
	c := p.slot(id)
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.occupied {
		return
	}
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
	p.sink.Released(id)
	c.occupied = false
	c.errored = false
	c.errText = ""
	c.name = ""
	c.service = false

	p.count.Add(-1)
	util.Stats.RemoveConn()
}

// Close releases every slot.
func (p *Pool) Close() {
	for id := 0; id < p.HighWater(); id++ {
		p.Release(id)
	}
}

// ---------------------------------------------------------------------------
// Per-connection goroutine
// ---------------------------------------------------------------------------

// readLoop pushes frames from one connection to the sink until the socket
// fails or the slot is released.
func (p *Pool) readLoop(c *Conn, gen uint64, stream *transport.Stream) {
	for {
		msg, err := stream.ReadMessage()
		if err != nil {
			p.report(c, gen, err)
			return
		}

		c.mu.Lock()
		if !c.occupied || c.gen != gen {
			c.mu.Unlock()
			return
		}
		if !c.errored {
			p.sink.Deliver(c.id, msg)
		}
		c.mu.Unlock()
	}
}

// ReportError marks the slot as failed. Only the first report per occupancy
// reaches the sink; later ones are ignored.
func (p *Pool) ReportError(id int, err error) {
	c := p.slot(id)
	if c == nil {
		return
	}
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	p.report(c, gen, err)
}

func (p *Pool) report(c *Conn, gen uint64, err error) {
	c.mu.Lock()
	if !c.occupied || c.gen != gen || c.errored {
		c.mu.Unlock()
		return
	}
	c.errored = true
	c.errText = describe(err)
	c.mu.Unlock()

	util.LogDebug("[%03d] connection error: %v", c.id, err)
	p.sink.Failed(c.id)
}

func describe(err error) string {
	if err == nil {
		return "disconnected"
	}
	if transport.IsClosedErr(err) {
		return "connection closed by peer"
	}
	return err.Error()
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send queues msg on one slot. Sends to an errored slot are dropped; its
// teardown is already pending.
func (p *Pool) Send(id int, msg []byte) error {
	c := p.slot(id)
	if c == nil {
		return fmt.Errorf("send to slot %d: %w", id, ErrInvalidSlot)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.occupied {
		return fmt.Errorf("send to slot %d: %w", id, ErrInvalidSlot)
	}
	if c.errored {
		return nil
	}
	c.stream.Send(msg)
	return nil
}

// Buffered returns the outbound bytes pending on a slot, or 0.
func (p *Pool) Buffered(id int) int {
	c := p.slot(id)
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.occupied || c.stream == nil {
		return 0
	}
	return c.stream.Buffered()
}

// Handle pins the current occupancy of a slot. Sends through it fail with
// ErrInvalidSlot once that connection is gone, even if the slot has been
// reused since.
type Handle struct {
	c   *Conn
	gen uint64
}

// Handle returns a handle on the connection now in slot id.
func (p *Pool) Handle(id int) (Handle, bool) {
	c := p.slot(id)
	if c == nil {
		return Handle{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.occupied || c.errored {
		return Handle{}, false
	}
	return Handle{c: c, gen: c.gen}, true
}

// streamLocked returns the pinned connection's stream, or nil when it is gone or
// has failed. Caller holds h.c.mu.
func (h Handle) streamLocked() *transport.Stream {
	if h.c == nil || !h.c.occupied || h.c.gen != h.gen || h.c.errored {
		return nil
	}
	return h.c.stream
}

// Send queues msg on the pinned connection.
func (h Handle) Send(msg []byte) error {
	if h.c == nil {
		return ErrInvalidSlot
	}
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	st := h.streamLocked()
	if st == nil {
		return fmt.Errorf("send to slot %d: %w", h.c.id, ErrInvalidSlot)
	}
	st.Send(msg)
	util.Stats.AddMsgSent()
	return nil
}

// WaitWritable blocks while the pinned connection's outbound buffer is above
// transport.HighWaterMark. The slot lock is not held while waiting.
func (h Handle) WaitWritable(ctx context.Context) error {
	if h.c == nil {
		return ErrInvalidSlot
	}
	h.c.mu.Lock()
	st := h.streamLocked()
	h.c.mu.Unlock()
	if st == nil {
		return fmt.Errorf("slot %d: %w", h.c.id, ErrInvalidSlot)
	}
	err := st.WaitWritable(ctx)
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("slot %d: %w: %w", h.c.id, ErrInvalidSlot, err)
	}
	return err
}

// SendAll queues msg on every occupied, healthy slot; service slots are
// included only when includeService is set. It returns the number of slots
// the message was queued on.
func (p *Pool) SendAll(msg []byte, includeService bool) int {
	n := 0
	for _, c := range p.snapshot() {
		c.mu.Lock()
		if c.occupied && !c.errored && (includeService || !c.service) {
			c.stream.Send(msg)
			n++
		}
		c.mu.Unlock()
	}
	return n
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Count returns the number of occupied slots.
func (p *Pool) Count() int {
	return int(p.count.Load())
}

// Counts splits Count into worker and service connections.
func (p *Pool) Counts() (workers, services int) {
	for _, c := range p.snapshot() {
		c.mu.Lock()
		if c.occupied {
			if c.service {
				services++
			} else {
				workers++
			}
		}
		c.mu.Unlock()
	}
	return workers, services
}

// HighWater returns the number of slots ever allocated. It never shrinks.
func (p *Pool) HighWater() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// IDs returns the occupied slot IDs in ascending order.
func (p *Pool) IDs() []int {
	var ids []int
	for _, c := range p.snapshot() {
		c.mu.Lock()
		if c.occupied {
			ids = append(ids, c.id)
		}
		c.mu.Unlock()
	}
	return ids
}

// Valid reports whether id names an occupied slot.
func (p *Pool) Valid(id int) bool {
	_, ok := p.Info(id)
	return ok
}

// Info returns the metadata of an occupied slot.
func (p *Pool) Info(id int) (Info, bool) {
	c := p.slot(id)
	if c == nil {
		return Info{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.occupied {
		return Info{}, false
	}
	return Info{
		ID:      c.id,
		Name:    c.name,
		Service: c.service,
		Remote:  c.remote,
		Errored: c.errored,
		ErrText: c.errText,
	}, true
}

// Name returns the peer display name, or "" for a free slot.
func (p *Pool) Name(id int) string {
	info, _ := p.Info(id)
	return info.Name
}

// SetName replaces the peer display name.
func (p *Pool) SetName(id int, name string) {
	c := p.slot(id)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.occupied {
		c.name = name
	}
}

// IsService reports whether the slot holds a file-transfer-only connection.
func (p *Pool) IsService(id int) bool {
	info, _ := p.Info(id)
	return info.Service
}

// ErrorText returns the recorded failure of an error-pending slot.
func (p *Pool) ErrorText(id int) string {
	info, _ := p.Info(id)
	return info.ErrText
}

func (p *Pool) slot(id int) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.slots) {
		return nil
	}
	return p.slots[id]
}

func (p *Pool) snapshot() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Conn, len(p.slots))
	copy(out, p.slots)
	return out
}
