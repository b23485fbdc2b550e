package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var ErrNoPort = errors.New("no free port in range")

// PortRange is a reserved block of consecutive ports.
type PortRange struct {
	First int
	Count int
}

// Ports returns every port of the range in ascending order.
func (r PortRange) Ports() []int {
	out := make([]int, 0, r.Count)
	for i := 0; i < r.Count; i++ {
		out = append(out, r.First+i)
	}
	return out
}

// Contains reports whether port lies inside the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.First && port < r.First+r.Count
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.First, r.First+r.Count-1)
}

// ListenStream binds a TCP listener on the first free port of r and returns
// the bound port.
// It returns ErrNoPort (wrapping the last bind error) when every port fails.
func ListenStream(ctx context.Context, host string, r PortRange) (net.Listener, int, error) {
	var lc net.ListenConfig
	var lastErr error
	for _, port := range r.Ports() {
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, fmt.Sprint(port)))
		if err == nil {
			return ln, ln.Addr().(*net.TCPAddr).Port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("listen on %s: %w", r, errors.Join(ErrNoPort, lastErr))
}

// ParseAddr accepts "host:port" or a multiaddr such as /ip4/10.0.0.5/tcp/23311.
func ParseAddr(s string) (netip.AddrPort, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "/") {
		m, err := ma.NewMultiaddr(s)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("parse multiaddr %q: %w", s, err)
		}
		return FromMultiaddr(m)
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	tcp, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %q: %w", s, err)
	}
	return tcp.AddrPort(), nil
}

// FromMultiaddr converts an ip/tcp or ip/udp multiaddr to an address.
func FromMultiaddr(m ma.Multiaddr) (netip.AddrPort, error) {
	na, err := manet.ToNetAddr(m)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("convert %s: %w", m, err)
	}
	switch a := na.(type) {
	case *net.UDPAddr:
		return unmap(a.AddrPort()), nil
	case *net.TCPAddr:
		return unmap(a.AddrPort()), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("unsupported multiaddr %s", m)
	}
}

// ToMultiaddr formats ap as an ip/udp multiaddr (discovery addresses are
// datagram endpoints).
func ToMultiaddr(ap netip.AddrPort) (ma.Multiaddr, error) {
	return manet.FromNetAddr(net.UDPAddrFromAddrPort(ap))
}

// unmap strips the IPv4-in-IPv6 prefix so addresses compare equal to the
// ones workers advertise.
func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// RemoteAddrPort returns the peer address of c, or the zero value.
func RemoteAddrPort(c net.Conn) netip.AddrPort {
	if ap, err := netip.ParseAddrPort(c.RemoteAddr().String()); err == nil {
		return unmap(ap)
	}
	return netip.AddrPort{}
}

// LocalIPv4 returns the first non-loopback IPv4 address of this host, or
// the loopback address when there is none.
func LocalIPv4() netip.Addr {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipn.IP)
			if !ok {
				continue
			}
			ip = ip.Unmap()
			if ip.Is4() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
				return ip
			}
		}
	}
	return netip.AddrFrom4([4]byte{127, 0, 0, 1})
}
