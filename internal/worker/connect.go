// Package worker finds a job master on the LAN and joins it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/1ureka/vmpi/internal/dispatch"
	"github.com/1ureka/vmpi/internal/pool"
	"github.com/1ureka/vmpi/internal/protocol"
	"github.com/1ureka/vmpi/internal/util"
)

var (
	ErrExeMismatch = errors.New("master runs a different executable")
	ErrNoMaster    = errors.New("no master reachable")
)

// Result describes the joined job.
type Result struct {
	Slot      int
	Master    netip.AddrPort
	Discovery *protocol.Discovery // nil when the master address was given
	Args      []string            // job argument vector, when known
}

// Connect joins a master through router. Each attempt is bounded by
// opts.Wait; with opts.Retry a failed attempt starts over until ctx is done.
// An executable mismatch is never retried.
func Connect(ctx context.Context, router *dispatch.Router, opts Options) (*Result, error) {
	opts.setDefaults()

	for attempt := 1; ; attempt++ {
		res, err := connectOnce(ctx, router, opts)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrExeMismatch) || !opts.Retry || ctx.Err() != nil {
			return nil, err
		}

		util.LogWarning("attempt %d failed, retrying: %v", attempt, err)
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func connectOnce(ctx context.Context, router *dispatch.Router, opts Options) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Wait)
	defer cancel()

	res := &Result{Slot: pool.InvalidID}
	var candidates []netip.AddrPort

	switch {
	case opts.Master.IsValid() && opts.Master.Port() != 0:
		candidates = []netip.AddrPort{opts.Master}
	case opts.Master.IsValid():
		for _, port := range opts.MasterPorts.Ports() {
			candidates = append(candidates, netip.AddrPortFrom(opts.Master.Addr(), uint16(port)))
		}
	default:
		desc, addr, err := Discover(ctx, opts)
		if err != nil {
			return nil, err
		}
		util.LogInfo("found job %s at %s", desc.JobID, addr)
		res.Discovery = desc
		res.Args = desc.Args
		candidates = []netip.AddrPort{addr}
	}

	nc, addr, err := dial(ctx, candidates, opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	res.Master = addr

	id := router.Accept(nc, false)
	if id == pool.InvalidID {
		nc.Close()
		return nil, fmt.Errorf("promote %s: pool full", addr)
	}
	res.Slot = id

	if opts.Service {
		util.LogSuccess("[%03d] service connection to %s", id, addr)
		return res, nil
	}

	if err := handshake(ctx, router, id, opts, res); err != nil {
		// Nobody observed this slot yet, so skip the disconnect callbacks.
		router.Release(id)
		return nil, err
	}

	util.LogSuccess("[%03d] joined master at %s", id, addr)
	return res, nil
}

// dial tries each candidate in order and returns the first connection made.
func dial(ctx context.Context, candidates []netip.AddrPort, timeout time.Duration) (net.Conn, netip.AddrPort, error) {
	d := net.Dialer{Timeout: timeout}
	var errs []error
	for _, addr := range candidates {
		nc, err := d.DialContext(ctx, "tcp", addr.String())
		if err == nil {
			return nc, addr, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, netip.AddrPort{}, fmt.Errorf("%w: %w", ErrNoMaster, errors.Join(errs...))
}

var errClosedDuringHandshake = errors.New("master closed the connection during the handshake")

func handshake(ctx context.Context, router *dispatch.Router, id int, opts Options, res *Result) error {
	// A master at capacity closes us right away; stop waiting when it does.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	gone := router.Gone(id)
	go func() {
		select {
		case <-gone:
			cancel(fmt.Errorf("%w: %w", ErrNoMaster, errClosedDuringHandshake))
		case <-ctx.Done():
		}
	}()

	if err := router.SendName(id, opts.Name); err != nil {
		return fmt.Errorf("send name: %w", err)
	}

	msg, err := router.DispatchUntil(ctx, protocol.KindInternal, protocol.SubExeName, true)
	if err != nil {
		return fmt.Errorf("wait for executable name: %w", handshakeErr(ctx, err))
	}
	exe, err := firstString(msg.Body())
	if err != nil {
		return fmt.Errorf("executable name: %w", err)
	}
	if !util.SameExe(exe, opts.ExeName) {
		return fmt.Errorf("%w: master wants %q, we are %q", ErrExeMismatch, exe, opts.ExeName)
	}

	if !opts.NeedCommandLine {
		return nil
	}

	if err := router.Send(id, protocol.Header(protocol.KindInternal, protocol.SubCommandLineRequest)); err != nil {
		return fmt.Errorf("request command line: %w", err)
	}
	msg, err = router.DispatchUntil(ctx, protocol.KindInternal, protocol.SubCommandLine, true)
	if err != nil {
		return fmt.Errorf("wait for command line: %w", handshakeErr(ctx, err))
	}
	res.Args, err = protocol.DecodeStrings(msg.Body())
	if err != nil {
		return fmt.Errorf("command line: %w", err)
	}
	return nil
}

// handshakeErr prefers the reason ctx was cancelled over the bare
// context.Canceled that Next reports.
func handshakeErr(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && errors.Is(err, context.Canceled) {
		return cause
	}
	return err
}

func firstString(body []byte) (string, error) {
	ss, err := protocol.DecodeStrings(body)
	if err != nil {
		return "", err
	}
	if len(ss) == 0 {
		return "", protocol.ErrTruncated
	}
	return ss[0], nil
}
