package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/1ureka/vmpi/internal/protocol"
	"github.com/1ureka/vmpi/internal/util"
)

// Forever makes the timeout-based calls block until a message arrives.
const Forever time.Duration = -1

// Next blocks until a message is available or ctx is done. Reported
// connection errors are serviced first, so messages from a connection that
// has already failed are never returned. Grouped packets are unpacked in
// place and their parts returned one at a time, in order.
func (r *Router) Next(ctx context.Context) (*Message, error) {
	r.frozen.Store(true)

	for {
		r.drainErrors()

		if msg, ok := r.pop(); ok {
			if protocol.IsGroup(msg.Data) {
				r.unpack(msg)
				continue
			}
			util.Stats.AddMsgRecv()
			return msg, nil
		}

		select {
		case <-r.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Router) pop() (*Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.popFront()
}

// unpack replaces a grouped packet with its parts at the head of the queue.
// A malformed group is a protocol error for its connection only.
func (r *Router) unpack(msg *Message) {
	parts, err := protocol.DecodeGroup(msg.Data)
	if err != nil {
		util.LogError("[%03d] %s sent a bad grouped packet: %v", msg.Source, r.Name(msg.Source), err)
		r.Disconnect(msg.Source, err)
		return
	}

	msgs := make([]*Message, len(parts))
	for i, p := range parts {
		msgs[i] = &Message{Data: p, Source: msg.Source}
	}

	r.mu.Lock()
	r.queue.pushFront(msgs...)
	r.mu.Unlock()
}

// GetNextMessage is Next with a timeout. A zero timeout polls; Forever
// blocks. The boolean is false on timeout.
func (r *Router) GetNextMessage(timeout time.Duration) (*Message, bool) {
	ctx, cancel := timeoutContext(timeout)
	defer cancel()

	msg, err := r.Next(ctx)
	if err != nil {
		return nil, false
	}
	return msg, true
}

// ---------------------------------------------------------------------------
// Dispatching
// ---------------------------------------------------------------------------

// Dispatch pulls one message and runs its handler. It returns false with
// ctx's error when no message arrived in time.
func (r *Router) Dispatch(ctx context.Context) (bool, error) {
	msg, err := r.Next(ctx)
	if err != nil {
		return false, err
	}
	r.handle(msg)
	return true, nil
}

// DispatchNext is Dispatch with a timeout; it returns false on timeout.
func (r *Router) DispatchNext(timeout time.Duration) bool {
	ctx, cancel := timeoutContext(timeout)
	defer cancel()

	ok, _ := r.Dispatch(ctx)
	return ok
}

// DispatchUntil dispatches unrelated messages until one with the given kind
// and sub-kind arrives and returns it unhandled. Without wait it gives up
// with ErrQueueEmpty once the queue is exhausted.
func (r *Router) DispatchUntil(ctx context.Context, kind protocol.Kind, sub uint8, wait bool) (*Message, error) {
	return r.DispatchUntilFunc(ctx, func(m *Message) bool { return m.Is(kind, sub) }, wait)
}

// DispatchUntilFunc is DispatchUntil with an arbitrary matcher.
func (r *Router) DispatchUntilFunc(ctx context.Context, match func(*Message) bool, wait bool) (*Message, error) {
	for {
		msg, err := r.nextMaybeWait(ctx, wait)
		if err != nil {
			return nil, err
		}
		if match(msg) {
			return msg, nil
		}
		r.handle(msg)
	}
}

func (r *Router) nextMaybeWait(ctx context.Context, wait bool) (*Message, error) {
	if wait {
		return r.Next(ctx)
	}

	poll, cancel := context.WithCancel(ctx)
	cancel()
	msg, err := r.Next(poll)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrQueueEmpty
	}
	return msg, nil
}

// handle runs the registered handler for msg.
func (r *Router) handle(msg *Message) {
	if msg.Kind() == protocol.KindInternal {
		if r.handleInternal(msg) {
			return
		}
	} else if h := r.handlers[msg.Kind()]; h != nil && h(msg) {
		return
	}

	if r.IsService(msg.Source) {
		return
	}
	util.LogError("[%03d] no handler for packet kind %d sub %d from %s",
		msg.Source, msg.Kind(), msg.Sub(), r.Name(msg.Source))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func timeoutContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout < 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

// IsTimeout reports whether err came from an expired wait.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrQueueEmpty)
}

// Run dispatches until ctx is done. It is the usual control loop of a job.
func (r *Router) Run(ctx context.Context) {
	for {
		if _, err := r.Dispatch(ctx); err != nil {
			return
		}
	}
}
