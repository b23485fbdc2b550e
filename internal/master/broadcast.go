package master

import (
	"context"
	"net/netip"
	"time"

	"github.com/1ureka/vmpi/internal/protocol"
	"github.com/1ureka/vmpi/internal/util"
)

const registryTimeout = 5 * time.Second

// rebuild re-encodes the job broadcast descriptor from the options.
func (m *Master) rebuild() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.desc.Version = protocol.Version
	m.desc.Password = m.opts.Password
	m.desc.Request = m.opts.Request
	m.desc.PatchVersion = m.opts.PatchVersion
	m.desc.JobID = m.opts.JobID
	m.desc.WorkerExe = m.opts.WorkerExe
	m.desc.Args = append([]string(nil), m.opts.Args...)

	pkt, err := m.desc.MarshalBinary()
	if err != nil {
		util.LogError("cannot encode discovery packet: %v", err)
		return
	}
	m.packet = pkt
}

// SetPassword changes the job password and rebuilds the descriptor.
func (m *Master) SetPassword(pw string) {
	m.mu.Lock()
	m.opts.Password = pw
	m.mu.Unlock()
	m.rebuild()
}

// Descriptor returns a copy of the current job broadcast descriptor.
func (m *Master) Descriptor() protocol.Discovery {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.desc
	d.Args = append([]string(nil), m.desc.Args...)
	return d
}

// JobID returns the job identity.
func (m *Master) JobID() protocol.JobID {
	return m.opts.JobID
}

// broadcast sends the descriptor to every broadcast address on every
// discovery port and to every worker the registry knows about. A failed
// send is logged and skipped.
func (m *Master) broadcast(ctx context.Context) {
	if m.udp == nil {
		return
	}
	if workers, _ := m.router.Pool().Counts(); workers >= m.opts.MaxWorkers {
		return
	}

	m.refreshKnown(ctx)

	m.mu.Lock()
	pkt := m.packet
	known := m.known
	m.mu.Unlock()

	for _, addr := range m.opts.BroadcastAddrs {
		for _, port := range m.opts.DiscoveryPorts.Ports() {
			m.sendTo(pkt, netip.AddrPortFrom(addr, uint16(port)))
		}
	}
	for _, ap := range known {
		m.sendTo(pkt, ap)
	}
}

func (m *Master) sendTo(pkt []byte, ap netip.AddrPort) {
	if err := m.udp.SendTo(pkt, ap); err != nil {
		util.LogDebug("discovery send to %s failed: %v", ap, err)
		return
	}
	util.Stats.AddBroadcast()
}

// refreshKnown queries the registry in the background, at most once per
// RegistryInterval.
func (m *Master) refreshKnown(ctx context.Context) {
	if m.opts.Registry == nil || !m.limiter.Allow() {
		return
	}
	if !m.refreshing.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer m.refreshing.Store(false)

		qctx, cancel := context.WithTimeout(ctx, registryTimeout)
		defer cancel()

		addrs, err := m.opts.Registry.Workers(qctx)
		if err != nil {
			util.LogWarning("worker registry query failed: %v", err)
			return
		}
		m.mu.Lock()
		m.known = addrs
		m.mu.Unlock()
		util.LogDebug("worker registry returned %d addresses", len(addrs))
	}()
}
