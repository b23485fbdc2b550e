package dispatch

import (
	"github.com/1ureka/vmpi/internal/protocol"
)

// Message is one inbound logical message and the slot it came from.
type Message struct {
	Data   []byte
	Source int
}

// Kind returns the packet kind (byte 0).
func (m *Message) Kind() protocol.Kind {
	return protocol.MessageKind(m.Data)
}

// Sub returns the sub-kind (byte 1).
func (m *Message) Sub() uint8 {
	return protocol.SubKind(m.Data)
}

// Body returns the bytes after the two-byte header.
func (m *Message) Body() []byte {
	if len(m.Data) < protocol.HeaderSize {
		return nil
	}
	return m.Data[protocol.HeaderSize:]
}

// Is reports whether the message carries the given kind and sub-kind.
func (m *Message) Is(kind protocol.Kind, sub uint8) bool {
	return m.Kind() == kind && m.Sub() == sub
}
