package filexfer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/1ureka/vmpi/internal/dispatch"
	"github.com/1ureka/vmpi/internal/protocol"
	"github.com/1ureka/vmpi/internal/util"
)

// Fetch downloads name from the master on slot and stores it under dir.
// Unrelated traffic is dispatched while waiting. The file only appears under
// its final name once size and digest check out.
func Fetch(ctx context.Context, router *dispatch.Router, slot int, name, dir string) (string, error) {
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	if err := router.Send(slot, requestMessage(name)); err != nil {
		return "", fmt.Errorf("request %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	h := blake3.New()
	var size uint64

	match := func(m *dispatch.Message) bool {
		if m.Source != slot || m.Kind() != protocol.KindFileTransfer {
			return false
		}
		got, _, err := splitName(m.Body())
		return err == nil && got == name
	}

	for {
		msg, err := router.DispatchUntilFunc(ctx, match, true)
		if err != nil {
			return "", fmt.Errorf("fetch %s: %w", name, err)
		}
		_, rest, _ := splitName(msg.Body())

		switch msg.Sub() {
		case protocol.SubFileChunk:
			if _, err := tmp.Write(rest); err != nil {
				return "", fmt.Errorf("write %s: %w", name, err)
			}
			h.Write(rest)
			size += uint64(len(rest))

		case protocol.SubFileError:
			text, _, _ := splitName(rest)
			return "", fmt.Errorf("%s: %w: %s", name, ErrRemote, text)

		case protocol.SubFileDone:
			wantSize, wantDigest, err := parseDone(rest)
			if err != nil {
				return "", err
			}
			if wantSize != size || !bytes.Equal(wantDigest[:], h.Sum(nil)) {
				return "", fmt.Errorf("%s: %w (got %d bytes, want %d)", name, ErrDigestMismatch, size, wantSize)
			}
			if err := tmp.Close(); err != nil {
				return "", fmt.Errorf("close %s: %w", name, err)
			}
			dst := filepath.Join(dir, name)
			if err := os.Rename(tmp.Name(), dst); err != nil {
				return "", fmt.Errorf("store %s: %w", name, err)
			}
			util.LogSuccess("downloaded %s (%d bytes)", name, size)
			return dst, nil
		}
	}
}
