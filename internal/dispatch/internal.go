package dispatch

import (
	"bytes"
	"context"
	"strings"

	"github.com/1ureka/vmpi/internal/protocol"
	"github.com/1ureka/vmpi/internal/util"
)

// handleInternal runs the built-in KindInternal sub-kinds, then any
// registered with RegisterInternal.
func (r *Router) handleInternal(msg *Message) bool {
	switch msg.Sub() {
	case protocol.SubMachineName:
		name := cstring(msg.Body())
		if name == "" {
			return true
		}
		r.pool.SetName(msg.Source, name)
		util.LogInfo("[%03d] %s joined", msg.Source, name)
		return true

	case protocol.SubRemotePrint:
		util.LogInfo("[%s] %s", r.Name(msg.Source), strings.TrimRight(cstring(msg.Body()), "\n"))
		return true

	case protocol.SubTimingRelease:
		// A release nobody is waiting for.
		return true
	}

	if h := r.internal[msg.Sub()]; h != nil {
		return h(msg)
	}
	return false
}

// SendName announces this process's display name to dest.
func (r *Router) SendName(dest int, name string) error {
	return r.Send(dest, protocol.Header(protocol.KindInternal, protocol.SubMachineName), protocol.EncodeStrings(name))
}

// Print asks dest to log text under this connection's name.
func (r *Router) Print(dest int, text string) error {
	return r.Send(dest, protocol.Header(protocol.KindInternal, protocol.SubRemotePrint), protocol.EncodeStrings(text))
}

// ReleaseGate opens the timing gate of dest (a slot or Broadcast).
func (r *Router) ReleaseGate(dest int) error {
	return r.Send(dest, protocol.Header(protocol.KindInternal, protocol.SubTimingRelease))
}

// WaitForRelease dispatches other traffic until a timing-gate release
// arrives. Workers use it to start computing at the same moment.
func (r *Router) WaitForRelease(ctx context.Context) (int, error) {
	msg, err := r.DispatchUntil(ctx, protocol.KindInternal, protocol.SubTimingRelease, true)
	if err != nil {
		return 0, err
	}
	return msg.Source, nil
}

// cstring returns data up to its first NUL byte.
func cstring(data []byte) string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return string(data[:i])
	}
	return string(data)
}
