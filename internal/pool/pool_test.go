package pool

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/vmpi/internal/protocol"
	"github.com/1ureka/vmpi/internal/transport"
	"github.com/1ureka/vmpi/internal/util"
)

func TestMain(m *testing.M) {
	util.Quiet()
	os.Exit(m.Run())
}

// recordingSink collects what the pool reports.
type recordingSink struct {
	mu       sync.Mutex
	msgs     map[int][][]byte
	failed   []int
	released []int
	notify   chan struct{}

	count      func() int // live count seen from Released
	liveAtFree []int
}

func newSink() *recordingSink {
	return &recordingSink{msgs: make(map[int][][]byte), notify: make(chan struct{}, 1024)}
}

func (s *recordingSink) Deliver(id int, msg []byte) {
	s.mu.Lock()
	s.msgs[id] = append(s.msgs[id], msg)
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func (s *recordingSink) Failed(id int) {
	s.mu.Lock()
	s.failed = append(s.failed, id)
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func (s *recordingSink) Released(id int) {
	s.mu.Lock()
	s.released = append(s.released, id)
	if s.count != nil {
		s.liveAtFree = append(s.liveAtFree, s.count())
	}
	s.mu.Unlock()
}

func (s *recordingSink) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		s.mu.Lock()
		ok := cond()
		s.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatal("timed out waiting for sink")
		}
	}
}

// pipe returns the pool side and the peer side of an in-memory connection.
func pipe(t *testing.T) (net.Conn, net.Conn) {
	a, b := net.Pipe()
	t.Cleanup(func() { b.Close() })
	return a, b
}

func TestAcquireReleaseIdempotent(t *testing.T) {
	p := New(4, newSink())
	defer p.Close()

	a, _ := pipe(t)
	id := p.Acquire(a, false)
	require.Equal(t, 0, id)
	assert.Equal(t, 1, p.Count())
	assert.True(t, p.Valid(id))

	p.Release(id)
	p.Release(id)
	p.Release(99)
	assert.Equal(t, 0, p.Count())
	assert.False(t, p.Valid(id))

	err := p.Send(id, []byte{1})
	assert.ErrorIs(t, err, ErrInvalidSlot)
}

// TestCapacityRefusesExtra checks that a full pool refuses a new connection
// without disturbing the existing ones.
func TestCapacityRefusesExtra(t *testing.T) {
	sink := newSink()
	p := New(2, sink)
	defer p.Close()

	a1, b1 := pipe(t)
	a2, _ := pipe(t)
	a3, _ := pipe(t)

	id1 := p.Acquire(a1, false)
	id2 := p.Acquire(a2, false)
	require.NotEqual(t, InvalidID, id1)
	require.NotEqual(t, InvalidID, id2)

	assert.Equal(t, InvalidID, p.Acquire(a3, false))
	assert.Equal(t, 2, p.Count())

	go protocol.WriteFrame(b1, []byte("still alive"))
	sink.waitFor(t, func() bool { return len(sink.msgs[id1]) == 1 })
	assert.Empty(t, sink.failed)
}

func TestLowestFreeSlotReused(t *testing.T) {
	p := New(0, newSink())
	defer p.Close()

	var ids []int
	for i := 0; i < 3; i++ {
		a, _ := pipe(t)
		ids = append(ids, p.Acquire(a, false))
	}
	assert.Equal(t, []int{0, 1, 2}, ids)

	p.Release(1)
	a, _ := pipe(t)
	assert.Equal(t, 1, p.Acquire(a, true))
	assert.Equal(t, 3, p.HighWater())
	assert.Equal(t, []int{0, 1, 2}, p.IDs())

	workers, services := p.Counts()
	assert.Equal(t, 2, workers)
	assert.Equal(t, 1, services)
	assert.True(t, p.IsService(1))
}

func TestDeliverInOrder(t *testing.T) {
	sink := newSink()
	p := New(1, sink)
	defer p.Close()

	a, b := pipe(t)
	id := p.Acquire(a, false)

	go func() {
		for i := 0; i < 50; i++ {
			protocol.WriteFrame(b, []byte{byte(protocol.KindUser), byte(i)})
		}
	}()

	sink.waitFor(t, func() bool { return len(sink.msgs[id]) == 50 })
	for i, msg := range sink.msgs[id] {
		assert.Equal(t, byte(i), msg[1])
	}
}

func TestPrimeMessagesGoFirst(t *testing.T) {
	p := New(1, newSink())
	defer p.Close()

	a, b := pipe(t)
	id := p.Acquire(a, false, []byte("first"), []byte("second"))
	require.NoError(t, p.Send(id, []byte("third")))

	b.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []string
	for len(got) < 3 {
		frame, err := protocol.ReadFrame(b)
		require.NoError(t, err)
		if protocol.IsGroup(frame) {
			parts, err := protocol.DecodeGroup(frame)
			require.NoError(t, err)
			for _, part := range parts {
				got = append(got, string(part))
			}
			continue
		}
		got = append(got, string(frame))
	}
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

// TestFailedOncePerOccupancy checks that a peer hang-up plus an explicit
// report produce a single failure, and that the slot keeps its error text
// until released.
func TestFailedOncePerOccupancy(t *testing.T) {
	sink := newSink()
	p := New(1, sink)
	defer p.Close()

	a, b := pipe(t)
	id := p.Acquire(a, false)

	b.Close()
	sink.waitFor(t, func() bool { return len(sink.failed) == 1 })

	p.ReportError(id, errors.New("second report"))
	time.Sleep(20 * time.Millisecond)

	sink.mu.Lock()
	assert.Equal(t, []int{id}, sink.failed)
	sink.mu.Unlock()

	info, ok := p.Info(id)
	require.True(t, ok)
	assert.True(t, info.Errored)
	assert.Equal(t, "connection closed by peer", info.ErrText)

	// Errored slots are not reused until released.
	a2, _ := pipe(t)
	assert.Equal(t, InvalidID, p.Acquire(a2, false))

	p.Release(id)
	a3, _ := pipe(t)
	assert.Equal(t, id, p.Acquire(a3, false))
	assert.Empty(t, p.ErrorText(id))
}

func TestSendAllSkipsService(t *testing.T) {
	p := New(0, newSink())
	defer p.Close()

	aw, _ := pipe(t)
	as, _ := pipe(t)
	p.Acquire(aw, false)
	p.Acquire(as, true)

	assert.Equal(t, 1, p.SendAll([]byte{byte(protocol.KindUser), 0}, false))
	assert.Equal(t, 2, p.SendAll([]byte{byte(protocol.KindInternal), 0}, true))
}

func TestSetName(t *testing.T) {
	p := New(1, newSink())
	defer p.Close()

	a, _ := pipe(t)
	id := p.Acquire(a, false)
	assert.Equal(t, "pipe", p.Name(id))

	p.SetName(id, "node-7")
	assert.Equal(t, "node-7", p.Name(id))
}

// TestReleasedBeforeSlotFrees checks that the sink hears about a release
// while the slot is still held, exactly once.
func TestReleasedBeforeSlotFrees(t *testing.T) {
	sink := newSink()
	p := New(1, sink)
	defer p.Close()
	sink.count = p.Count

	a, _ := pipe(t)
	id := p.Acquire(a, false)
	p.Release(id)
	p.Release(id)

	assert.Equal(t, []int{id}, sink.released)
	assert.Equal(t, []int{1}, sink.liveAtFree)
	assert.Equal(t, 0, p.Count())
}

func TestHandlePinsOccupancy(t *testing.T) {
	p := New(1, newSink())
	defer p.Close()

	a, _ := pipe(t)
	id := p.Acquire(a, false)
	h, ok := p.Handle(id)
	require.True(t, ok)

	p.Release(id)
	a2, _ := pipe(t)
	require.Equal(t, id, p.Acquire(a2, false))

	assert.ErrorIs(t, h.Send([]byte("late chunk")), ErrInvalidSlot)
	assert.ErrorIs(t, h.WaitWritable(context.Background()), ErrInvalidSlot)
	assert.NoError(t, p.Send(id, []byte("new peer")))

	_, ok = p.Handle(InvalidID)
	assert.False(t, ok)
}

func TestHandleWaitWritable(t *testing.T) {
	p := New(1, newSink())
	defer p.Close()

	a, b := pipe(t)
	id := p.Acquire(a, false)
	h, ok := p.Handle(id)
	require.True(t, ok)

	chunk := make([]byte, 64*1024)
	for p.Buffered(id) <= transport.HighWaterMark {
		require.NoError(t, h.Send(chunk))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.WaitWritable(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrInvalidSlot, "a timeout says nothing about the peer")

	go io.Copy(io.Discard, b)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	require.NoError(t, h.WaitWritable(ctx2))
	assert.LessOrEqual(t, p.Buffered(id), transport.HighWaterMark)
}
