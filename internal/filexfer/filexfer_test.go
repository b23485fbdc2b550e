package filexfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/vmpi/internal/dispatch"
	"github.com/1ureka/vmpi/internal/pool"
	"github.com/1ureka/vmpi/internal/protocol"
	"github.com/1ureka/vmpi/internal/transport"
	"github.com/1ureka/vmpi/internal/util"
)

func TestMain(m *testing.M) {
	util.Quiet()
	os.Exit(m.Run())
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// connect links a serving master router and a fetching router over a pipe
// and returns the fetcher with the slot of its master connection.
func connect(t *testing.T, files []string) (*dispatch.Router, int) {
	t.Helper()
	a, b := net.Pipe()

	master := dispatch.New(0)
	Serve(master, files)
	require.NotEqual(t, pool.InvalidID, master.Accept(a, true))

	ctx, cancel := context.WithCancel(context.Background())
	go master.Run(ctx)

	fetcher := dispatch.New(1)
	slot := fetcher.Accept(b, false)
	require.NotEqual(t, pool.InvalidID, slot)

	t.Cleanup(func() {
		cancel()
		fetcher.Close()
		master.Close()
	})
	return fetcher, slot
}

func writeFile(t *testing.T, dir, name string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	return data
}

func TestFetchRoundTrip(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	testCases := []struct {
		name string
		size int
	}{
		{"empty.bin", 0},
		{"small.txt", 17},
		{"exact.bin", ChunkSize},
		{"scene.dat", 3*ChunkSize + 5},
	}

	var paths []string
	want := make(map[string][]byte)
	for _, tc := range testCases {
		want[tc.name] = writeFile(t, src, tc.name, tc.size)
		paths = append(paths, filepath.Join(src, tc.name))
	}

	r, slot := connect(t, paths)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path, err := Fetch(ctxTimeout(t), r, slot, tc.name, dst)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dst, tc.name), path)

			got, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(want[tc.name], got))
		})
	}

	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	assert.Len(t, entries, len(testCases), "temp files left behind")
}

func TestFetchUnknownFile(t *testing.T) {
	r, slot := connect(t, nil)

	_, err := Fetch(ctxTimeout(t), r, slot, "secret.key", t.TempDir())
	assert.ErrorIs(t, err, ErrRemote)
}

func TestFetchMissingSourceFile(t *testing.T) {
	r, slot := connect(t, []string{filepath.Join(t.TempDir(), "gone.bin")})

	_, err := Fetch(ctxTimeout(t), r, slot, "gone.bin", t.TempDir())
	assert.ErrorIs(t, err, ErrRemote)
}

func TestFetchRejectsPaths(t *testing.T) {
	r := dispatch.New(1)
	defer r.Close()

	for _, name := range []string{"", "../etc/passwd", "a/b"} {
		_, err := Fetch(context.Background(), r, 0, name, t.TempDir())
		assert.Error(t, err, name)
	}
}

// TestFetchDigestMismatch has a fake master send a chunk whose digest does
// not match the done record.
func TestFetchDigestMismatch(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	r := dispatch.New(1)
	defer r.Close()
	slot := r.Accept(b, false)
	require.NotEqual(t, pool.InvalidID, slot)

	go func() {
		if _, err := protocol.ReadFrame(a); err != nil {
			return
		}
		protocol.WriteFrame(a, chunkMessage("f.bin", []byte("hello")))
		protocol.WriteFrame(a, doneMessage("f.bin", 5, Digest([]byte("HELLO"))))
	}()

	dst := t.TempDir()
	_, err := Fetch(ctxTimeout(t), r, slot, "f.bin", dst)
	assert.ErrorIs(t, err, ErrDigestMismatch)

	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWireMessages(t *testing.T) {
	name, rest, err := splitName(chunkMessage("a.bin", []byte{1, 2, 3})[protocol.HeaderSize:])
	require.NoError(t, err)
	assert.Equal(t, "a.bin", name)
	assert.Equal(t, []byte{1, 2, 3}, rest)

	digest := Digest([]byte("x"))
	_, rest, err = splitName(doneMessage("a.bin", 1, digest)[protocol.HeaderSize:])
	require.NoError(t, err)
	size, got, err := parseDone(rest)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), size)
	assert.Equal(t, digest, got)

	_, _, err = parseDone([]byte{1, 2})
	assert.ErrorIs(t, err, errBadMessage)
	_, _, err = splitName([]byte("no terminator"))
	assert.ErrorIs(t, err, errBadMessage)
}

func readParts(t *testing.T, c net.Conn) [][]byte {
	t.Helper()
	frame, err := protocol.ReadFrame(c)
	require.NoError(t, err)
	if !protocol.IsGroup(frame) {
		return [][]byte{frame}
	}
	parts, err := protocol.DecodeGroup(frame)
	require.NoError(t, err)
	return parts
}

// TestServePacedByPeer serves a file much larger than the high-water mark
// to a slow reader; the master must not buffer the whole file.
func TestServePacedByPeer(t *testing.T) {
	src := t.TempDir()
	data := writeFile(t, src, "big.bin", 40*ChunkSize)

	a, b := net.Pipe()
	defer b.Close()

	master := dispatch.New(0)
	defer master.Close()
	Serve(master, []string{filepath.Join(src, "big.bin")})
	id := master.Accept(a, true)
	require.NotEqual(t, pool.InvalidID, id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go master.Run(ctx)

	require.NoError(t, protocol.WriteFrame(b, requestMessage("big.bin")))

	b.SetReadDeadline(time.Now().Add(10 * time.Second))
	var got []byte
	maxBuffered := 0
	for done := false; !done; {
		for _, m := range readParts(t, b) {
			switch protocol.SubKind(m) {
			case protocol.SubFileChunk:
				_, rest, err := splitName(m[protocol.HeaderSize:])
				require.NoError(t, err)
				got = append(got, rest...)
			case protocol.SubFileDone:
				done = true
			case protocol.SubFileError:
				t.Fatalf("transfer failed: %q", m)
			}
		}
		maxBuffered = max(maxBuffered, master.Pool().Buffered(id))
		time.Sleep(time.Millisecond)
	}

	assert.True(t, bytes.Equal(data, got))
	assert.LessOrEqual(t, maxBuffered, transport.HighWaterMark+2*ChunkSize)
}

// TestSendStopsWhenPeerGone checks that a transfer bound to a connection
// does not continue on whoever takes its slot next.
func TestSendStopsWhenPeerGone(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "big.bin", 4*ChunkSize)

	r := dispatch.New(1)
	defer r.Close()

	a, b := net.Pipe()
	defer b.Close()
	id := r.Accept(a, true)
	peer, ok := r.Pool().Handle(id)
	require.True(t, ok)
	r.Release(id)

	a2, b2 := net.Pipe()
	defer b2.Close()
	require.Equal(t, id, r.Accept(a2, true))

	send(peer, id, "big.bin", filepath.Join(src, "big.bin"))
	assert.Zero(t, r.Pool().Buffered(id))

	b2.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err := protocol.ReadFrame(b2)
	assert.Error(t, err, "new occupant received part of the old transfer")
}
