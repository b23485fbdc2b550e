package pool

import (
	"sync"

	"github.com/1ureka/vmpi/internal/transport"
)

// Conn is one slot of the pool. All fields are guarded by mu; a slot is
// reused only after Release clears occupied.
type Conn struct {
	id int

	mu       sync.Mutex
	occupied bool
	gen      uint64 // bumped per occupancy; stale goroutines compare against it

	stream  *transport.Stream // nil once torn down
	name    string            // peer display name, set by handshake
	remote  string
	service bool // file-transfer-only connection

	errored bool // error reported, teardown pending
	errText string
}
