package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Version is the discovery protocol version. Workers ignore broadcasts
// carrying any other value.
const Version uint8 = 5

// RequestKind tells a listening worker what the master wants.
type RequestKind uint8

const (
	RequestLookingForWorkers RequestKind = 0x00
	RequestServicePatch      RequestKind = 0x01
)

var ErrTruncated = errors.New("packet truncated")

// JobID identifies one job run. It travels as four 32-bit words.
type JobID [4]uint32

// NewJobID returns a random job identity.
func NewJobID() JobID {
	u := uuid.New()
	var id JobID
	for i := range id {
		id[i] = binary.BigEndian.Uint32(u[i*4 : i*4+4])
	}
	return id
}

// String formats the id as 32 hex digits.
func (id JobID) String() string {
	return fmt.Sprintf("%08x%08x%08x%08x", id[0], id[1], id[2], id[3])
}

// IsZero reports whether id is unset.
func (id JobID) IsZero() bool {
	return id == JobID{}
}

// Discovery is the job broadcast descriptor sent over the datagram channel.
type Discovery struct {
	Version        uint8
	Password       string
	Request        RequestKind
	PatchVersion   string
	ListenPort     uint32
	JobID          JobID
	WorkerExe      string
	Args           []string
	Legacy         bool
	DownloaderPort uint16
}

// MarshalBinary encodes d in wire order.
func (d *Discovery) MarshalBinary() ([]byte, error) {
	if len(d.Args) > 0xFFFF {
		return nil, fmt.Errorf("too many arguments: %d", len(d.Args))
	}

	var buf bytes.Buffer
	buf.WriteByte(d.Version)
	buf.Write(EncodeStrings(d.Password))
	buf.WriteByte(byte(d.Request))
	buf.Write(EncodeStrings(d.PatchVersion))
	buf.Write(binary.BigEndian.AppendUint32(nil, d.ListenPort))
	for _, w := range d.JobID {
		buf.Write(binary.BigEndian.AppendUint32(nil, w))
	}
	buf.Write(binary.BigEndian.AppendUint16(nil, uint16(len(d.Args))))
	buf.Write(EncodeStrings(d.WorkerExe))
	buf.Write(EncodeStrings(d.Args...))
	if d.Legacy {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(binary.BigEndian.AppendUint16(nil, d.DownloaderPort))
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a discovery packet produced by MarshalBinary.
func (d *Discovery) UnmarshalBinary(data []byte) error {
	r := &reader{data: data}

	d.Version = r.u8()
	d.Password = r.str()
	d.Request = RequestKind(r.u8())
	d.PatchVersion = r.str()
	d.ListenPort = r.u32()
	for i := range d.JobID {
		d.JobID[i] = r.u32()
	}
	argc := int(r.u16())
	d.WorkerExe = r.str()
	d.Args = nil
	for i := 0; i < argc && r.err == nil; i++ {
		d.Args = append(d.Args, r.str())
	}
	d.Legacy = r.u8() != 0
	d.DownloaderPort = r.u16()

	return r.err
}

// ---------------------------------------------------------------------------
// reader is a sticky-error cursor over a discovery packet.
// ---------------------------------------------------------------------------

type reader struct {
	data []byte
	err  error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.data) < n {
		r.err = ErrTruncated
		return false
	}
	return true
}

func (r *reader) u8() byte {
	if !r.need(1) {
		return 0
	}
	b := r.data[0]
	r.data = r.data[1:]
	return b
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.data)
	r.data = r.data[2:]
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data)
	r.data = r.data[4:]
	return v
}

func (r *reader) str() string {
	if r.err != nil {
		return ""
	}
	s, rest, err := readCString(r.data)
	if err != nil {
		r.err = err
		return ""
	}
	r.data = rest
	return s
}

func readCString(data []byte) (string, []byte, error) {
	i := bytes.IndexByte(data, 0)
	if i < 0 {
		return "", nil, fmt.Errorf("unterminated string: %w", ErrTruncated)
	}
	return string(data[:i]), data[i+1:], nil
}
