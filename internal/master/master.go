// Package master advertises a job on the LAN and admits the workers that
// answer. It owns the job's listeners and discovery socket; admitted
// connections are handed to the dispatch router.
package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/1ureka/vmpi/internal/dispatch"
	"github.com/1ureka/vmpi/internal/filexfer"
	"github.com/1ureka/vmpi/internal/pool"
	"github.com/1ureka/vmpi/internal/protocol"
	"github.com/1ureka/vmpi/internal/transport"
	"github.com/1ureka/vmpi/internal/util"
)

var ErrBindFailed = errors.New("cannot bind listener")

// State is the broadcaster lifecycle.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// WorkerSource lists individually known worker discovery addresses, for
// workers that broadcasts cannot reach.
type WorkerSource interface {
	Workers(ctx context.Context) ([]netip.AddrPort, error)
}

// Master is the accept/broadcast side of a job.
type Master struct {
	opts   Options
	router *dispatch.Router

	state atomic.Int32

	mu     sync.Mutex // guards desc, packet, known
	desc   protocol.Discovery
	packet []byte
	known  []netip.AddrPort

	workerLn    net.Listener
	serviceLn   net.Listener
	workerPort  int
	servicePort int
	udp         *transport.PacketConn

	limiter    *rate.Limiter
	refreshing atomic.Bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New prepares a master for router. It registers the command-line request
// handler and, when opts.Files is set, the file server, so it must be
// called before the control loop starts.
func New(router *dispatch.Router, opts Options) *Master {
	opts.setDefaults()
	m := &Master{
		opts:    opts,
		router:  router,
		limiter: rate.NewLimiter(rate.Every(opts.RegistryInterval), 1),
	}
	m.rebuild()

	router.RegisterInternal(protocol.SubCommandLineRequest, m.handleCommandLineRequest)
	if len(opts.Files) > 0 {
		filexfer.Serve(router, opts.Files)
	}
	return m
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start binds the listeners and the discovery socket, then runs the
// accept/broadcast loop in the background until ctx is done or Close is
// called. Failing to bind any port of a listener range is fatal.
func (m *Master) Start(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateListening)) {
		return fmt.Errorf("master already started (%s)", m.State())
	}

	if err := m.bind(ctx); err != nil {
		m.closeSockets()
		m.state.Store(int32(StateTerminated))
		return err
	}

	util.LogInfo("job %s: workers on :%d, services on :%d", m.JobID(), m.workerPort, m.servicePort)

	ctx, m.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	m.group = g

	accepted := make(chan acceptedConn)
	g.Go(func() error { return m.acceptLoop(gctx, m.workerLn, false, accepted) })
	g.Go(func() error { return m.acceptLoop(gctx, m.serviceLn, true, accepted) })
	g.Go(func() error { return m.loop(gctx, accepted) })

	// Unblock Accept and ReadFrom once the loop is asked to stop.
	go func() {
		<-gctx.Done()
		m.closeSockets()
	}()

	m.state.Store(int32(StateRunning))
	return nil
}

func (m *Master) bind(ctx context.Context) error {
	var err error
	m.workerLn, m.workerPort, err = transport.ListenStream(ctx, m.opts.Host, m.opts.WorkerPorts)
	if err != nil {
		return fmt.Errorf("worker listener: %w: %w", ErrBindFailed, err)
	}
	m.serviceLn, m.servicePort, err = transport.ListenStream(ctx, m.opts.Host, m.opts.ServicePorts)
	if err != nil {
		return fmt.Errorf("service listener: %w: %w", ErrBindFailed, err)
	}

	m.mu.Lock()
	m.desc.ListenPort = uint32(m.workerPort)
	m.desc.DownloaderPort = uint16(m.servicePort)
	m.mu.Unlock()
	m.rebuild()

	if !m.opts.Local {
		m.udp, err = transport.ListenDatagram(ctx, "", 0, true)
		if err != nil {
			return fmt.Errorf("discovery socket: %w: %w", ErrBindFailed, err)
		}
	}
	return nil
}

// Close stops broadcasting and accepting and waits for the background
// goroutines. Live connections stay with the router.
func (m *Master) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	err := m.Wait()
	m.closeSockets()
	m.state.Store(int32(StateTerminated))
	return err
}

// Wait blocks until the background loop exits and returns its error.
func (m *Master) Wait() error {
	if m.group == nil {
		return nil
	}
	return m.group.Wait()
}

func (m *Master) closeSockets() {
	if m.workerLn != nil {
		m.workerLn.Close()
	}
	if m.serviceLn != nil {
		m.serviceLn.Close()
	}
	if m.udp != nil {
		m.udp.Close()
	}
}

// State returns the current lifecycle state.
func (m *Master) State() State {
	return State(m.state.Load())
}

// WorkerPort returns the bound worker listener port.
func (m *Master) WorkerPort() int {
	return m.workerPort
}

// ServicePort returns the bound service listener port.
func (m *Master) ServicePort() int {
	return m.servicePort
}

// ---------------------------------------------------------------------------
// Accepting
// ---------------------------------------------------------------------------

type acceptedConn struct {
	conn    net.Conn
	service bool
}

// acceptLoop feeds accepted sockets to the main loop so pool admission
// happens on one goroutine.
func (m *Master) acceptLoop(ctx context.Context, ln net.Listener, service bool, out chan<- acceptedConn) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		select {
		case out <- acceptedConn{conn: conn, service: service}:
		case <-ctx.Done():
			conn.Close()
			return nil
		}
	}
}

// admit promotes conn into the pool unless its cap is reached. Refused
// sockets are closed without telling anyone.
func (m *Master) admit(ac acceptedConn) {
	workers, services := m.router.Pool().Counts()
	if (ac.service && services >= m.opts.MaxServices) || (!ac.service && workers >= m.opts.MaxWorkers) {
		util.LogDebug("refusing %s: at capacity (workers=%d services=%d)", ac.conn.RemoteAddr(), workers, services)
		ac.conn.Close()
		return
	}

	var greeting [][]byte
	if !ac.service {
		greeting = append(greeting, protocol.Join(
			protocol.Header(protocol.KindInternal, protocol.SubExeName),
			protocol.EncodeStrings(m.opts.WorkerExe),
		))
	}

	if id := m.router.Accept(ac.conn, ac.service, greeting...); id == pool.InvalidID {
		util.LogDebug("refusing %s: pool full", ac.conn.RemoteAddr())
		ac.conn.Close()
	}
}

// ---------------------------------------------------------------------------
// Main loop
// ---------------------------------------------------------------------------

func (m *Master) loop(ctx context.Context, accepted <-chan acceptedConn) error {
	ticker := time.NewTicker(m.opts.BroadcastInterval)
	defer ticker.Stop()

	m.broadcast(ctx)
	for {
		select {
		case ac := <-accepted:
			m.admit(ac)
		case <-ticker.C:
			m.broadcast(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// handleCommandLineRequest answers a worker that was started without the
// job's argument vector.
func (m *Master) handleCommandLineRequest(msg *dispatch.Message) bool {
	if err := m.router.Send(msg.Source, CommandLineMessage(m.opts.Args)); err != nil {
		util.LogWarning("[%03d] cannot send command line: %v", msg.Source, err)
	}
	return true
}

// CommandLineMessage encodes args as a SubCommandLine message.
func CommandLineMessage(args []string) []byte {
	return protocol.Join(
		protocol.Header(protocol.KindInternal, protocol.SubCommandLine),
		protocol.EncodeStrings(args...),
	)
}
