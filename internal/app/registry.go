package app

import (
	"context"

	"github.com/1ureka/vmpi/internal/config"
	"github.com/1ureka/vmpi/internal/registry"
	"github.com/1ureka/vmpi/internal/util"
)

// RunRegistry serves the worker registry until shutdown.
func RunRegistry(ctx context.Context, cfg config.RegistryConfig) error {
	store, err := registry.OpenStore(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := registry.NewServer(store, cfg.Pin, cfg.TTL)
	port, err := srv.Start(ctx, cfg.Listen)
	if err != nil {
		return err
	}
	defer srv.Close()

	util.LogSuccess("worker registry listening on :%d (db %s)", port, cfg.DB)
	<-ctx.Done()
	return nil
}
