package registry

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/vmpi/internal/transport"
)

// Client talks to a registry server over one lazily dialed WebSocket. It
// is safe for concurrent use; requests are serialized.
type Client struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a client for the registry at base, e.g.
// ws://10.0.0.2:23400. The pin is sent as a query parameter when set.
func NewClient(base, pin string) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse registry url: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	if pin != "" {
		q := u.Query()
		q.Set("pin", pin)
		u.RawQuery = q.Encode()
	}
	return &Client{url: u.String()}, nil
}

// Announce registers name at addr.
func (c *Client) Announce(ctx context.Context, name string, addr netip.AddrPort) error {
	m, err := transport.ToMultiaddr(addr)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(ctx, Message{Type: MsgAnnounce, Name: name, Addr: m.String()})
	return err
}

// Workers returns the discovery addresses of every live worker.
func (c *Client) Workers(ctx context.Context) ([]netip.AddrPort, error) {
	resp, err := c.roundTrip(ctx, Message{Type: MsgQuery})
	if err != nil {
		return nil, err
	}
	out := make([]netip.AddrPort, 0, len(resp.Addrs))
	for _, a := range resp.Addrs {
		ap, err := transport.ParseAddr(a)
		if err != nil {
			continue
		}
		out = append(out, ap)
	}
	return out, nil
}

// Close drops the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

func (c *Client) roundTrip(ctx context.Context, req Message) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			return Message{}, fmt.Errorf("failed to connect to registry: %w", err)
		}
		c.conn = conn
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	c.conn.SetWriteDeadline(deadline)
	c.conn.SetReadDeadline(deadline)

	var resp Message
	if err := c.conn.WriteJSON(req); err != nil {
		c.dropLocked()
		return Message{}, fmt.Errorf("registry write: %w", err)
	}
	if err := c.conn.ReadJSON(&resp); err != nil {
		c.dropLocked()
		return Message{}, fmt.Errorf("registry read: %w", err)
	}
	if resp.Type == MsgError {
		return Message{}, fmt.Errorf("registry: %s", resp.Error)
	}
	return resp, nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
