// Package transport provides the socket primitives under the dispatch layer:
// framed stream connections with a batching writer, and broadcast-capable
// datagram sockets for job discovery.
package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/1ureka/vmpi/internal/protocol"
	"github.com/1ureka/vmpi/internal/util"
)

const readBufferSize = 64 * 1024

// Stream wraps one stream socket and speaks length-prefixed frames on it.
// ReadMessage must only be called from one goroutine; Send may be called from
// any goroutine.
type Stream struct {
	conn net.Conn
	r    *bufio.Reader

	sender *sender

	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps conn and starts its writer goroutine. onError is called
// (possibly from the writer goroutine) when a write fails.
func NewStream(conn net.Conn, onError func(error)) *Stream {
	s := &Stream{
		conn: conn,
		r:    bufio.NewReaderSize(conn, readBufferSize),
	}
	s.sender = newSender(conn, onError)
	return s
}

// ReadMessage blocks until the next complete frame arrives.
func (s *Stream) ReadMessage() ([]byte, error) {
	msg, err := protocol.ReadFrame(s.r)
	if err != nil {
		return nil, err
	}
	util.Stats.AddRecv(len(msg) + 4)
	return msg, nil
}

// Send queues msg for the writer goroutine. It never blocks.
// It returns false when the stream has been closed.
func (s *Stream) Send(msg []byte) bool {
	return s.sender.enqueue(msg)
}

// Pending returns the number of queued, unwritten messages.
func (s *Stream) Pending() int {
	return s.sender.pending()
}

// Buffered returns the number of bytes queued or being written.
func (s *Stream) Buffered() int {
	return s.sender.bufferedBytes()
}

// WaitWritable blocks while the outbound buffer is above HighWaterMark. It
// returns net.ErrClosed once the stream is closed. Bulk transfers call it
// before each message; control traffic does not.
func (s *Stream) WaitWritable(ctx context.Context) error {
	return s.sender.waitWritable(ctx)
}

// RemoteAddr returns the peer address.
func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close stops the writer and closes the socket, which unblocks any pending
// ReadMessage with an error. Safe to call multiple times.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.sender.close()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// IsClosedErr reports whether err is the ordinary result of a peer hang-up or
// of closing the socket locally.
func IsClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}
