// Package filexfer moves a job's dependency files from the master to
// service connections.
package filexfer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/1ureka/vmpi/internal/protocol"
)

// ChunkSize is the payload size of one SubFileChunk message.
const ChunkSize = 64 * 1024

const digestSize = 32

var (
	ErrDigestMismatch = errors.New("file digest mismatch")
	ErrRemote         = errors.New("master refused file")
	errBadMessage     = errors.New("malformed file-transfer message")
)

func header(sub uint8) []byte {
	return protocol.Header(protocol.KindFileTransfer, sub)
}

// Request: name\0
func requestMessage(name string) []byte {
	return protocol.Join(header(protocol.SubFileRequest), protocol.EncodeStrings(name))
}

// Chunk: name\0 data
func chunkMessage(name string, data []byte) []byte {
	return protocol.Join(header(protocol.SubFileChunk), protocol.EncodeStrings(name), data)
}

// Done: name\0 size(8) blake3(32)
func doneMessage(name string, size uint64, digest [digestSize]byte) []byte {
	var tail [8 + digestSize]byte
	binary.BigEndian.PutUint64(tail[:8], size)
	copy(tail[8:], digest[:])
	return protocol.Join(header(protocol.SubFileDone), protocol.EncodeStrings(name), tail[:])
}

// Error: name\0 text\0
func errorMessage(name, text string) []byte {
	return protocol.Join(header(protocol.SubFileError), protocol.EncodeStrings(name, text))
}

// splitName returns the leading file name of body and what follows it.
func splitName(body []byte) (string, []byte, error) {
	i := bytes.IndexByte(body, 0)
	if i < 0 {
		return "", nil, errBadMessage
	}
	return string(body[:i]), body[i+1:], nil
}

func parseDone(rest []byte) (uint64, [digestSize]byte, error) {
	var digest [digestSize]byte
	if len(rest) != 8+digestSize {
		return 0, digest, fmt.Errorf("done record of %d bytes: %w", len(rest), errBadMessage)
	}
	copy(digest[:], rest[8:])
	return binary.BigEndian.Uint64(rest[:8]), digest, nil
}

// Digest returns the BLAKE3-256 digest of data.
func Digest(data []byte) [digestSize]byte {
	return blake3.Sum256(data)
}
