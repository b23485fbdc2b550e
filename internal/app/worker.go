package app

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/1ureka/vmpi/internal/config"
	"github.com/1ureka/vmpi/internal/dispatch"
	"github.com/1ureka/vmpi/internal/filexfer"
	"github.com/1ureka/vmpi/internal/registry"
	"github.com/1ureka/vmpi/internal/transport"
	"github.com/1ureka/vmpi/internal/util"
	"github.com/1ureka/vmpi/internal/worker"
)

// RunWorker orchestrates the worker lifecycle:
//  1. Register the job handlers
//  2. Find the master and join it
//  3. Service peers download their files and leave
//  4. Otherwise dispatch until the master goes away or shutdown
func RunWorker(ctx context.Context, cfg config.WorkerConfig) error {
	opts, err := workerOptions(cfg)
	if err != nil {
		return err
	}

	router := dispatch.New(1)
	defer router.Close()

	// ── 1. Handlers ───────────────────────────────────────────────────
	registerEchoWorker(router, opts.Name)

	if cfg.Registry != "" {
		client, err := registry.NewClient(cfg.Registry, cfg.RegistryPin)
		if err != nil {
			return err
		}
		defer client.Close()
		opts.Registry = client
	}

	// ── 2. Join ───────────────────────────────────────────────────────
	res, err := worker.Connect(ctx, router, opts)
	if err != nil {
		return err
	}
	if len(res.Args) > 0 {
		util.LogInfo("job arguments: %q", res.Args)
	}

	// Registered only now so a connection dropped during the handshake is
	// retried instead of ending the run.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	router.OnDisconnect(func(id int, reason string) {
		if id != res.Slot {
			return
		}
		util.LogWarning("lost master: %s", reason)
		cancel()
	})

	// ── 3. Service peer ───────────────────────────────────────────────
	if cfg.Service {
		for _, name := range cfg.Files {
			if _, err := filexfer.Fetch(ctx, router, res.Slot, name, cfg.Download); err != nil {
				return err
			}
		}
		return nil
	}

	// ── 4. Control loop ───────────────────────────────────────────────
	router.Run(ctx)
	return nil
}

func workerOptions(cfg config.WorkerConfig) (worker.Options, error) {
	opts := worker.Options{
		Name:            cfg.Name,
		Password:        cfg.Password,
		Host:            cfg.Host,
		DiscoveryPorts:  transport.PortRange{First: cfg.DiscoveryPort, Count: cfg.PortCount},
		Service:         cfg.Service,
		Patch:           cfg.Patch,
		NeedCommandLine: cfg.NeedCommandLine,
		Retry:           cfg.Retry,
		Wait:            cfg.Wait,
	}
	if cfg.Master != "" {
		addr, err := parseMaster(cfg.Master)
		if err != nil {
			return opts, err
		}
		opts.Master = addr
	}
	if cfg.Advertise != "" {
		ip, err := netip.ParseAddr(cfg.Advertise)
		if err != nil {
			return opts, fmt.Errorf("advertise address %q: %w", cfg.Advertise, err)
		}
		opts.AdvertiseIP = ip
	}
	return opts, nil
}

// parseMaster accepts an address with or without a port; without one every
// port of the master range is tried.
func parseMaster(s string) (netip.AddrPort, error) {
	if ip, err := netip.ParseAddr(s); err == nil {
		return netip.AddrPortFrom(ip, 0), nil
	}
	return transport.ParseAddr(s)
}
