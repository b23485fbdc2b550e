// Package registry keeps a list of worker discovery addresses for masters
// that cannot reach every worker by broadcast. Workers announce themselves
// over a WebSocket; masters query the same socket.
package registry

import (
	"net/netip"
	"time"
)

// MessageType identifies the kind of registry message.
type MessageType string

const (
	MsgAnnounce MessageType = "announce"
	MsgQuery    MessageType = "query"
	MsgAck      MessageType = "ack"
	MsgWorkers  MessageType = "workers"
	MsgError    MessageType = "error"
)

// Message is the JSON structure exchanged over the WebSocket. Addresses
// travel as multiaddrs, e.g. /ip4/10.0.0.5/udp/22511.
type Message struct {
	Type  MessageType `json:"type"`
	Name  string      `json:"name,omitempty"`
	Addr  string      `json:"addr,omitempty"`
	Addrs []string    `json:"addrs,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Entry is one registered worker.
type Entry struct {
	Name string
	Addr netip.AddrPort
	Seen time.Time
}

type entryView struct {
	Name string    `json:"name"`
	Addr string    `json:"addr"`
	Seen time.Time `json:"seen"`
}
