package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/1ureka/vmpi/internal/util"
)

// MaxDatagramSize is the largest discovery packet we send or accept.
const MaxDatagramSize = 8 * 1024

// PacketConn is a UDP socket used for discovery broadcasts.
type PacketConn struct {
	conn *net.UDPConn
	port int
}

// ListenDatagram binds a UDP socket on port (0 picks an ephemeral port).
// With broadcast set the socket may send to broadcast addresses.
func ListenDatagram(ctx context.Context, host string, port int, broadcast bool) (*PacketConn, error) {
	lc := net.ListenConfig{}
	if broadcast {
		lc.Control = setBroadcast
	}
	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, fmt.Errorf("listen udp %s:%d: %w", host, port, err)
	}
	conn := pc.(*net.UDPConn)
	return &PacketConn{conn: conn, port: conn.LocalAddr().(*net.UDPAddr).Port}, nil
}

// ListenDatagramRange binds on the first free port of r.
func ListenDatagramRange(ctx context.Context, host string, r PortRange, broadcast bool) (*PacketConn, error) {
	var lastErr error
	for _, port := range r.Ports() {
		pc, err := ListenDatagram(ctx, host, port, broadcast)
		if err == nil {
			return pc, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("listen udp on %s: %w", r, errors.Join(ErrNoPort, lastErr))
}

// Port returns the bound local port.
func (p *PacketConn) Port() int {
	return p.port
}

// SendTo writes one datagram to addr.
func (p *PacketConn) SendTo(b []byte, addr netip.AddrPort) error {
	n, err := p.conn.WriteToUDPAddrPort(b, addr)
	if err != nil {
		return err
	}
	util.Stats.AddSent(n)
	return nil
}

// ReadFrom blocks until a datagram arrives or the deadline passes.
func (p *PacketConn) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	n, addr, err := p.conn.ReadFromUDPAddrPort(b)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	util.Stats.AddRecv(n)
	return n, unmap(addr), nil
}

// SetReadDeadline bounds the next ReadFrom.
func (p *PacketConn) SetReadDeadline(t time.Time) error {
	return p.conn.SetReadDeadline(t)
}

// Close releases the socket and unblocks ReadFrom.
func (p *PacketConn) Close() error {
	return p.conn.Close()
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
