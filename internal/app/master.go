// Package app contains the top-level orchestration for the master, worker
// and registry roles.
package app

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/1ureka/vmpi/internal/config"
	"github.com/1ureka/vmpi/internal/dispatch"
	"github.com/1ureka/vmpi/internal/master"
	"github.com/1ureka/vmpi/internal/pool"
	"github.com/1ureka/vmpi/internal/registry"
	"github.com/1ureka/vmpi/internal/transport"
	"github.com/1ureka/vmpi/internal/util"
)

// RunMaster orchestrates the master lifecycle:
//  1. Register the job handlers
//  2. Bind the listeners, serve the job files and start broadcasting
//  3. Publish the task as a persistent packet
//  4. Dispatch until shutdown
func RunMaster(ctx context.Context, cfg config.JobConfig) error {
	opts, err := masterOptions(cfg)
	if err != nil {
		return err
	}

	capacity := min(pool.MaxSlots, cfg.MaxWorkers+cfg.MaxServices)
	router := dispatch.New(capacity)
	defer router.Close()

	// ── 1. Handlers ───────────────────────────────────────────────────
	results := 0
	registerEchoMaster(router, func(id int, text string) {
		results++
		util.LogSuccess("[%03d] %s: %s (%d results)", id, router.Name(id), text, results)
	})
	router.OnDisconnect(func(id int, reason string) {
		workers, services := router.Pool().Counts()
		util.LogInfo("[%03d] gone (%s); %d workers, %d services left", id, reason, workers, services)
	})

	if cfg.Registry != "" {
		client, err := registry.NewClient(cfg.Registry, cfg.RegistryPin)
		if err != nil {
			return err
		}
		defer client.Close()
		opts.Registry = client
	}

	// ── 2. Listen and broadcast ───────────────────────────────────────
	m := master.New(router, opts)
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Close()

	// ── 3. Task ───────────────────────────────────────────────────────
	if err := router.Send(dispatch.Persistent, taskMessage(cfg.Args)); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}

	// ── 4. Control loop ───────────────────────────────────────────────
	util.LogSuccess("job %s running, waiting for workers", m.JobID())
	router.Run(ctx)
	return nil
}

func masterOptions(cfg config.JobConfig) (master.Options, error) {
	opts := master.Options{
		Host:              cfg.Host,
		WorkerPorts:       transport.PortRange{First: cfg.WorkerPort, Count: cfg.PortCount},
		ServicePorts:      transport.PortRange{First: cfg.ServicePort, Count: cfg.PortCount},
		DiscoveryPorts:    transport.PortRange{First: cfg.DiscoveryPort, Count: cfg.PortCount},
		Local:             cfg.Local,
		Password:          cfg.Password,
		PatchVersion:      cfg.PatchVersion,
		WorkerExe:         cfg.Exe,
		Args:              cfg.Args,
		Files:             cfg.Files,
		MaxWorkers:        cfg.MaxWorkers,
		MaxServices:       cfg.MaxServices,
		BroadcastInterval: cfg.BroadcastInterval,
	}
	for _, s := range cfg.Broadcast {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return opts, fmt.Errorf("broadcast address %q: %w", s, err)
		}
		opts.BroadcastAddrs = append(opts.BroadcastAddrs, addr)
	}
	return opts, nil
}
