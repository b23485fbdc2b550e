// Package protocol defines the packet kinds, stream framing and discovery
// packet used between a job master and its workers.
package protocol

// Kind is the first byte of every stream message.
type Kind uint8

// Packet kind constants. Application payloads use KindUser and above.
const (
	KindInternal     Kind = 0x01 // connection-level control, see Sub* constants
	KindFileTransfer Kind = 0x02 // dependency download on service connections
	KindUser         Kind = 0x10 // first kind available to job payloads
)

// Sub-kinds carried in byte 1 of KindInternal messages.
const (
	SubMachineName        uint8 = 0x01 // worker -> master: display name
	SubCommandLineRequest uint8 = 0x02 // worker -> master: send me the argument vector
	SubCommandLine        uint8 = 0x03 // master -> worker: argument vector
	SubExeName            uint8 = 0x04 // master -> worker: executable identity
	SubGrouped            uint8 = 0x05 // several logical messages in one write
	SubTimingRelease      uint8 = 0x06 // releases a timing gate
	SubRemotePrint        uint8 = 0x07 // text to print on the receiving side
)

// Sub-kinds carried in byte 1 of KindFileTransfer messages.
const (
	SubFileRequest uint8 = 0x01
	SubFileChunk   uint8 = 0x02
	SubFileDone    uint8 = 0x03
	SubFileError   uint8 = 0x04
)

// HeaderSize is the conventional header: Kind(1) + SubKind(1).
const HeaderSize = 2

// MessageKind returns the packet kind of msg, or 0 for an empty message.
func MessageKind(msg []byte) Kind {
	if len(msg) == 0 {
		return 0
	}
	return Kind(msg[0])
}

// SubKind returns byte 1 of msg, or 0 when msg is shorter than HeaderSize.
func SubKind(msg []byte) uint8 {
	if len(msg) < HeaderSize {
		return 0
	}
	return msg[1]
}

// Header builds the two-byte (kind, sub) prefix.
func Header(kind Kind, sub uint8) []byte {
	return []byte{byte(kind), sub}
}

// Join concatenates chunks into one logical message.
func Join(chunks ...[]byte) []byte {
	size := 0
	for _, c := range chunks {
		size += len(c)
	}
	buf := make([]byte, 0, size)
	for _, c := range chunks {
		buf = append(buf, c...)
	}
	return buf
}

// Whitelisted reports whether kind may be fanned out to service connections.
// Service peers only download files and must not see job traffic.
func Whitelisted(kind Kind) bool {
	return kind == KindInternal || kind == KindFileTransfer
}

// Reserved port ranges. Several masters or workers on one host each take the
// next free port of their range.
const (
	MasterPortFirst    = 23311 // worker stream connections
	ServicePortFirst   = 23391 // file-transfer-only connections
	DiscoveryPortFirst = 22511 // workers listen here for discovery broadcasts
	PortRangeSize      = 16
)
