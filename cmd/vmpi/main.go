// vmpi — CLI entry point.
//
// This tool distributes a job over the LAN: a master broadcasts the job, any
// worker that answers joins it, and both sides exchange framed messages
// over TCP until the job ends. An optional registry lets masters reach
// workers that broadcasts cannot.
//
// It can be launched interactively (no flags) or non-interactively via a
// config file and CLI flags (-config, -role, -master, -password, ...).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"

	"github.com/1ureka/vmpi/internal/app"
	"github.com/1ureka/vmpi/internal/config"
	"github.com/1ureka/vmpi/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "YAML config file")
	role := flag.String("role", "", "Role: master, worker or registry")
	masterAddr := flag.String("master", "", "Master address, skips discovery (worker only)")
	password := flag.String("password", "", "Job password")
	local := flag.Bool("local", false, "Do not broadcast the job (master only)")
	service := flag.Bool("service", false, "Connect as a file-download peer (worker only)")
	registryURL := flag.String("registry", "", "Worker registry URL, e.g. ws://10.0.0.2:23400")
	metricsAddr := flag.String("metrics", "", "Serve Prometheus metrics on this address")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error or off")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// Flags override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "role":
			cfg.Role = config.Role(*role)
		case "master":
			cfg.Worker.Master = *masterAddr
		case "password":
			cfg.Job.Password = *password
			cfg.Worker.Password = *password
		case "local":
			cfg.Job.Local = *local
		case "service":
			cfg.Worker.Service = *service
		case "registry":
			cfg.Job.Registry = *registryURL
			cfg.Worker.Registry = *registryURL
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "debug":
			cfg.Debug = *debugMode
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	if flag.NArg() > 0 {
		cfg.Job.Args = flag.Args()
		cfg.Worker.Files = flag.Args()
	}

	if cfg.Debug {
		util.EnableDebug()
	}
	if err := util.SetLevel(cfg.LogLevel); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("vmpi — v%s", version))
	pterm.Println()

	if cfg.Role == "" {
		// No role anywhere → interactive mode.
		cfg.Role = askRole()
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, cfg.MetricsAddr)
	}

	switch cfg.Role {
	case config.RoleMaster:
		util.StartStatsReporter(ctx)
		err = app.RunMaster(ctx, cfg.Job)
	case config.RoleWorker:
		util.StartStatsReporter(ctx)
		err = app.RunWorker(ctx, cfg.Worker)
	case config.RoleRegistry:
		err = app.RunRegistry(ctx, cfg.Registry)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		util.LogError("%s failed: %v", cfg.Role, err)
		os.Exit(1)
	}

	util.LogInfo("%s stopped", cfg.Role)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askRole prompts for the role when neither the config nor the flags set one.
func askRole() config.Role {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Master   — Broadcast a job and wait for workers",
			"Worker   — Join a job on the LAN",
			"Registry — Keep a list of workers for remote masters",
		}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(choice, "Master"):
		return config.RoleMaster
	case strings.HasPrefix(choice, "Registry"):
		return config.RoleRegistry
	default:
		return config.RoleWorker
	}
}

// serveMetrics exposes the traffic counters for Prometheus until ctx is done.
func serveMetrics(ctx context.Context, addr string) {
	reg := prometheus.NewRegistry()
	if err := util.RegisterStats(reg); err != nil {
		util.LogWarning("metrics disabled: %v", err)
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogWarning("metrics server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	util.LogInfo("metrics on http://%s/metrics", addr)
}
