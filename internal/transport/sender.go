package transport

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/1ureka/vmpi/internal/protocol"
	"github.com/1ureka/vmpi/internal/util"
)

const (
	maxGroupBytes = 64 * 1024 // stop adding to a group past this size
	maxGroupCount = 512       // or past this many messages
)

const (
	HighWaterMark = 256 * 1024 // bulk senders pause when buffered bytes exceed this
	LowWaterMark  = 64 * 1024  // and resume once they drop below this
)

// sender is the single-writer goroutine of one Stream. Control messages are
// queued without blocking; the loop swaps the buffer out under the lock and
// writes without it. Bulk producers call waitWritable between messages so
// the buffer stays near HighWaterMark.
type sender struct {
	mu       sync.Mutex
	queue    [][]byte
	buffered int // bytes queued or being written
	closed   bool

	wake        chan struct{}
	drainSignal chan struct{}
	done        chan struct{}
}

// newSender starts the writer loop on w.
func newSender(w io.Writer, onError func(error)) *sender {
	s := &sender{
		wake:        make(chan struct{}, 1),
		drainSignal: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go s.loop(w, onError)
	return s
}

// enqueue appends msg to the outbound buffer.
func (s *sender) enqueue(msg []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, msg)
	s.buffered += len(msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *sender) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *sender) bufferedBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// waitWritable blocks while more than HighWaterMark bytes are buffered.
func (s *sender) waitWritable(ctx context.Context) error {
	for {
		s.mu.Lock()
		closed, buffered := s.closed, s.buffered
		s.mu.Unlock()

		if closed {
			return net.ErrClosed
		}
		if buffered <= HighWaterMark {
			return nil
		}

		select {
		case <-s.drainSignal:
		case <-s.done:
			return net.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// close stops the loop; unwritten messages are dropped.
func (s *sender) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.queue = nil
		s.buffered = 0
		close(s.done)
	}
}

// loop drains the buffer, packing runs of small messages into grouped
// packets, and reports the first write error.
func (s *sender) loop(w io.Writer, onError func(error)) {
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			continue
		}

		size := 0
		for _, m := range batch {
			size += len(m)
		}

		buf := encodeBatch(batch)
		if _, err := w.Write(buf); err != nil {
			select {
			case <-s.done:
				// Closed locally; the reader reports the teardown.
			default:
				if onError != nil {
					onError(err)
				}
			}
			return
		}
		util.Stats.AddSent(len(buf))

		s.mu.Lock()
		if !s.closed {
			s.buffered -= size
		}
		low := s.buffered < LowWaterMark
		s.mu.Unlock()
		if low {
			select {
			case s.drainSignal <- struct{}{}:
			default:
			}
		}
	}
}

// encodeBatch turns queued messages into the bytes of one network write.
// Consecutive messages are grouped while the group stays under the size
// limits; a message too large to share a group is framed on its own. Order
// is preserved.
func encodeBatch(batch [][]byte) []byte {
	var out []byte
	for i := 0; i < len(batch); {
		j, size := i, protocol.HeaderSize
		for j < len(batch) && j-i < maxGroupCount {
			next := size + protocol.GroupOverhead + len(batch[j])
			if j > i && next > maxGroupBytes {
				break
			}
			size = next
			j++
		}

		if j-i == 1 {
			out = protocol.AppendFrame(out, batch[i])
		} else {
			out = protocol.AppendFrame(out, protocol.EncodeGroup(batch[i:j]))
		}
		i = j
	}
	return out
}
