package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single stream frame so a corrupt length prefix cannot
// make the reader allocate unbounded memory.
const MaxFrameSize = 32 * 1024 * 1024

// lengthSize is the size of the frame and group-record length prefix.
const lengthSize = 4

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrMalformedGroup = errors.New("malformed grouped packet")
)

// AppendFrame appends payload to dst with its 4-byte length prefix.
func AppendFrame(dst, payload []byte) []byte {
	var hdr [lengthSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// WriteFrame writes one length-prefixed frame to w in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("write frame (%d bytes): %w", len(payload), ErrFrameTooLarge)
	}
	buf := AppendFrame(make([]byte, 0, lengthSize+len(payload)), payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [lengthSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("read frame (%d bytes): %w", size, ErrFrameTooLarge)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ---------------------------------------------------------------------------
// Grouped packets
// ---------------------------------------------------------------------------

// GroupOverhead is the number of bytes a message costs inside a group on top
// of its own length.
const GroupOverhead = lengthSize

// EncodeGroup wraps msgs into one [KindInternal][SubGrouped] message followed by
// repeated (4-byte length, payload) records.
func EncodeGroup(msgs [][]byte) []byte {
	size := HeaderSize
	for _, m := range msgs {
		size += lengthSize + len(m)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, byte(KindInternal), SubGrouped)
	for _, m := range msgs {
		buf = AppendFrame(buf, m)
	}
	return buf
}

// IsGroup reports whether msg is a grouped-packet wrapper.
func IsGroup(msg []byte) bool {
	return MessageKind(msg) == KindInternal && SubKind(msg) == SubGrouped
}

// DecodeGroup splits a grouped packet into its constituent messages, in order.
func DecodeGroup(msg []byte) ([][]byte, error) {
	if !IsGroup(msg) {
		return nil, fmt.Errorf("not a grouped packet: %w", ErrMalformedGroup)
	}

	var out [][]byte
	rest := msg[HeaderSize:]
	for len(rest) > 0 {
		if len(rest) < lengthSize {
			return nil, fmt.Errorf("truncated record header (%d bytes left): %w", len(rest), ErrMalformedGroup)
		}
		size := binary.BigEndian.Uint32(rest[:lengthSize])
		rest = rest[lengthSize:]
		if uint64(size) > uint64(len(rest)) {
			return nil, fmt.Errorf("record of %d bytes exceeds remaining %d: %w", size, len(rest), ErrMalformedGroup)
		}
		sub := make([]byte, size)
		copy(sub, rest[:size])
		out = append(out, sub)
		rest = rest[size:]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// String payload helpers
// ---------------------------------------------------------------------------

// EncodeStrings writes each string followed by a NUL byte.
func EncodeStrings(ss ...string) []byte {
	var buf []byte
	for _, s := range ss {
		buf = append(buf, s...)
		buf = append(buf, 0)
	}
	return buf
}

// DecodeStrings splits a sequence of NUL-terminated strings. A trailing
// fragment without a terminator is an error.
func DecodeStrings(data []byte) ([]string, error) {
	var out []string
	for len(data) > 0 {
		s, rest, err := readCString(data)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
		data = rest
	}
	return out, nil
}
