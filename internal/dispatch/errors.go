package dispatch

import (
	"github.com/1ureka/vmpi/internal/util"
)

// DisconnectFunc is told which slot went away and why. It runs on the
// control goroutine, after the connection's goroutines have stopped
// delivering and before its slot is released.
type DisconnectFunc func(id int, reason string)

// OnDisconnect registers fn for every future disconnect.
func (r *Router) OnDisconnect(fn DisconnectFunc) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Disconnect tears a connection down through the normal error pipeline, so
// callbacks still run exactly once, on the control goroutine.
func (r *Router) Disconnect(id int, err error) {
	r.pool.ReportError(id, err)
}

// drainErrors services every queued connection error: callbacks first, then
// the socket is closed and the slot released, which drops its unconsumed
// messages (see Released).
func (r *Router) drainErrors() {
	r.errMu.Lock()
	ids := r.errq
	r.errq = nil
	r.errMu.Unlock()

	for _, id := range ids {
		info, ok := r.pool.Info(id)
		if !ok || !info.Errored {
			// Already released, or the slot has a new occupant.
			continue
		}

		util.LogWarning("[%03d] %s disconnected: %s", id, info.Name, info.ErrText)

		for _, fn := range r.disconnectFuncs() {
			fn(id, info.ErrText)
		}

		r.pool.Release(id)
	}
}

func (r *Router) disconnectFuncs() []DisconnectFunc {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	out := make([]DisconnectFunc, len(r.callbacks))
	copy(out, r.callbacks)
	return out
}
