package worker

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/1ureka/vmpi/internal/protocol"
	"github.com/1ureka/vmpi/internal/transport"
	"github.com/1ureka/vmpi/internal/util"
)

const pollInterval = 250 * time.Millisecond

// Discover waits for a job broadcast this worker may answer and returns it
// with the master stream address to connect to.
func Discover(ctx context.Context, opts Options) (*protocol.Discovery, netip.AddrPort, error) {
	opts.setDefaults()

	pc, err := transport.ListenDatagramRange(ctx, opts.Host, opts.DiscoveryPorts, false)
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	defer pc.Close()
	util.LogDebug("listening for job broadcasts on :%d", pc.Port())

	if opts.Registry != nil {
		actx, cancel := context.WithCancel(ctx)
		defer cancel()
		go Announce(actx, opts.Registry, opts, pc.Port())
	}

	buf := make([]byte, transport.MaxDatagramSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, netip.AddrPort{}, fmt.Errorf("waiting for a job: %w", err)
		}

		pc.SetReadDeadline(time.Now().Add(pollInterval))
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			return nil, netip.AddrPort{}, fmt.Errorf("read discovery: %w", err)
		}

		var d protocol.Discovery
		if err := d.UnmarshalBinary(buf[:n]); err != nil {
			util.LogDebug("ignoring bad discovery packet from %s: %v", from, err)
			continue
		}
		if reason := reject(&d, opts); reason != "" {
			util.LogDebug("ignoring job %s from %s: %s", d.JobID, from, reason)
			continue
		}

		port := uint16(d.ListenPort)
		if opts.Service {
			port = d.DownloaderPort
		}
		return &d, netip.AddrPortFrom(from.Addr(), port), nil
	}
}

// reject explains why d is not for us, or returns "".
func reject(d *protocol.Discovery, opts Options) string {
	want := protocol.RequestLookingForWorkers
	if opts.Patch {
		want = protocol.RequestServicePatch
	}
	switch {
	case d.Version != protocol.Version:
		return fmt.Sprintf("protocol version %d, want %d", d.Version, protocol.Version)
	case d.Password != opts.Password:
		return "password mismatch"
	case d.Request != want:
		return fmt.Sprintf("request kind %d", d.Request)
	case !opts.JobID.IsZero() && d.JobID != opts.JobID:
		return "different job"
	}
	return ""
}

// Announce keeps this worker's discovery address registered with reg until
// ctx is done. Discover runs it while listening when Options.Registry is set.
func Announce(ctx context.Context, reg Announcer, opts Options, port int) {
	opts.setDefaults()
	ip := opts.AdvertiseIP
	if !ip.IsValid() {
		ip = transport.LocalIPv4()
	}
	addr := netip.AddrPortFrom(ip, uint16(port))

	ticker := time.NewTicker(opts.AnnounceInterval)
	defer ticker.Stop()
	for {
		if err := reg.Announce(ctx, opts.Name, addr); err != nil && ctx.Err() == nil {
			util.LogWarning("registry announce failed: %v", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
