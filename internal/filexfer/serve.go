package filexfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/1ureka/vmpi/internal/dispatch"
	"github.com/1ureka/vmpi/internal/pool"
	"github.com/1ureka/vmpi/internal/protocol"
	"github.com/1ureka/vmpi/internal/util"
)

// Serve registers the master-side file-transfer handler. Only files listed
// in paths can be requested, by base name. Each request is answered from
// its own goroutine so large files do not stall the control loop, and is
// paced by the connection's outbound buffer.
func Serve(router *dispatch.Router, paths []string) {
	files := make(map[string]string, len(paths))
	for _, p := range paths {
		files[filepath.Base(p)] = p
	}

	router.Register(protocol.KindFileTransfer, func(msg *dispatch.Message) bool {
		if msg.Sub() != protocol.SubFileRequest {
			return false
		}
		name, _, err := splitName(msg.Body())
		if err != nil {
			router.Disconnect(msg.Source, fmt.Errorf("file request: %w", err))
			return true
		}

		path, ok := files[name]
		if !ok {
			util.LogWarning("[%03d] %s asked for unknown file %q", msg.Source, router.Name(msg.Source), name)
			if err := router.Send(msg.Source, errorMessage(name, "not a job dependency")); err != nil {
				util.LogDebug("[%03d] cannot refuse %s: %v", msg.Source, name, err)
			}
			return true
		}

		peer, ok := router.Pool().Handle(msg.Source)
		if !ok {
			return true
		}
		go send(peer, msg.Source, name, path)
		return true
	})
}

// send streams one file to the connection pinned by peer. It stops as soon
// as that connection is gone, even if its slot has been reused.
func send(peer pool.Handle, id int, name, path string) {
	size, digest, err := stream(context.Background(), peer, name, path)
	if errors.Is(err, pool.ErrInvalidSlot) {
		util.LogDebug("[%03d] stopped sending %s: %v", id, name, err)
		return
	}
	if err != nil {
		util.LogError("[%03d] sending %s: %v", id, name, err)
		if err := peer.Send(errorMessage(name, err.Error())); err != nil {
			util.LogDebug("[%03d] cannot report %s failure: %v", id, name, err)
		}
		return
	}
	if err := peer.Send(doneMessage(name, size, digest)); err != nil {
		util.LogDebug("[%03d] cannot finish %s: %v", id, name, err)
		return
	}
	util.LogDebug("[%03d] sent %s (%d bytes)", id, name, size)
}

// stream sends the chunks of path, waiting for the connection's outbound
// buffer to drain below its high-water mark before each one.
func stream(ctx context.Context, peer pool.Handle, name, path string) (uint64, [digestSize]byte, error) {
	var digest [digestSize]byte

	f, err := os.Open(path)
	if err != nil {
		return 0, digest, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, ChunkSize)
	var size uint64
	for {
		if err := peer.WaitWritable(ctx); err != nil {
			return 0, digest, err
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			size += uint64(n)
			if err := peer.Send(chunkMessage(name, buf[:n])); err != nil {
				return 0, digest, err
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, digest, fmt.Errorf("read: %w", err)
		}
	}

	copy(digest[:], h.Sum(nil))
	return size, digest, nil
}
