// Package config holds the CLI configuration types.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/vmpi/internal/protocol"
	"github.com/1ureka/vmpi/internal/util"
)

// Role represents the user's chosen role.
type Role string

const (
	RoleMaster   Role = "master"
	RoleWorker   Role = "worker"
	RoleRegistry Role = "registry"
)

// Config stores every parameter of one run. Fields not set in the file keep
// their Defaults value; CLI flags are applied on top.
type Config struct {
	Role        Role   `yaml:"role"`
	Debug       bool   `yaml:"debug"`
	LogLevel    string `yaml:"log_level"`    // debug, info, warn, error or off; overrides debug
	MetricsAddr string `yaml:"metrics_addr"` // serve /metrics here when set

	Job      JobConfig      `yaml:"job"`
	Worker   WorkerConfig   `yaml:"worker"`
	Registry RegistryConfig `yaml:"registry"`
}

// JobConfig is the master side.
type JobConfig struct {
	Host          string   `yaml:"host"`
	WorkerPort    int      `yaml:"worker_port"`    // first port of the worker range
	ServicePort   int      `yaml:"service_port"`   // first port of the service range
	DiscoveryPort int      `yaml:"discovery_port"` // first port workers listen on
	PortCount     int      `yaml:"port_count"`
	Broadcast     []string `yaml:"broadcast"` // extra broadcast addresses
	Local         bool     `yaml:"local"`     // no discovery broadcasts

	Password     string   `yaml:"password"`
	PatchVersion string   `yaml:"patch_version"`
	Exe          string   `yaml:"exe"` // worker executable name, defaults to ours
	Args         []string `yaml:"args"`
	Files        []string `yaml:"files"` // dependency files served to service peers

	MaxWorkers        int           `yaml:"max_workers"`
	MaxServices       int           `yaml:"max_services"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`

	Registry    string `yaml:"registry"` // ws:// URL of a worker registry
	RegistryPin string `yaml:"registry_pin"`
}

// WorkerConfig is the worker side.
type WorkerConfig struct {
	Name          string `yaml:"name"`
	Host          string `yaml:"host"`
	Master        string `yaml:"master"` // host[:port] or multiaddr; skips discovery
	DiscoveryPort int    `yaml:"discovery_port"`
	PortCount     int    `yaml:"port_count"`
	Password      string `yaml:"password"`

	Service         bool          `yaml:"service"` // file download only
	Patch           bool          `yaml:"patch"`
	NeedCommandLine bool          `yaml:"need_command_line"`
	Retry           bool          `yaml:"retry"`
	Wait            time.Duration `yaml:"wait"`

	Download string   `yaml:"download"` // directory for fetched files
	Files    []string `yaml:"files"`    // files to fetch as a service peer

	Registry    string `yaml:"registry"`
	RegistryPin string `yaml:"registry_pin"`
	Advertise   string `yaml:"advertise"` // IP announced to the registry
}

// RegistryConfig is the registry server.
type RegistryConfig struct {
	Listen string        `yaml:"listen"`
	DB     string        `yaml:"db"`
	Pin    string        `yaml:"pin"`
	TTL    time.Duration `yaml:"ttl"`
}

// Defaults returns a configuration with every default filled in.
func Defaults() Config {
	return Config{
		Job: JobConfig{
			WorkerPort:        protocol.MasterPortFirst,
			ServicePort:       protocol.ServicePortFirst,
			DiscoveryPort:     protocol.DiscoveryPortFirst,
			PortCount:         protocol.PortRangeSize,
			Exe:               util.ExeName(),
			MaxWorkers:        64,
			MaxServices:       8,
			BroadcastInterval: 300 * time.Millisecond,
		},
		Worker: WorkerConfig{
			Name:          util.MachineName(),
			DiscoveryPort: protocol.DiscoveryPortFirst,
			PortCount:     protocol.PortRangeSize,
			Retry:         true,
			Wait:          10 * time.Second,
			Download:      ".",
		},
		Registry: RegistryConfig{
			Listen: ":23400",
			DB:     "vmpi-registry.db",
			TTL:    2 * time.Minute,
		},
	}
}

// Load reads path over Defaults. An empty path returns Defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error
	if c.LogLevel != "" {
		if _, err := util.ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
	}
	switch c.Role {
	case RoleMaster:
		errs = append(errs, checkRange("job.worker_port", c.Job.WorkerPort, c.Job.PortCount))
		errs = append(errs, checkRange("job.service_port", c.Job.ServicePort, c.Job.PortCount))
		errs = append(errs, checkRange("job.discovery_port", c.Job.DiscoveryPort, c.Job.PortCount))
		if c.Job.Exe == "" {
			errs = append(errs, errors.New("job.exe is empty"))
		}
		if c.Job.MaxWorkers < 1 {
			errs = append(errs, errors.New("job.max_workers must be at least 1"))
		}
		if c.Job.MaxWorkers+c.Job.MaxServices > 256 {
			errs = append(errs, errors.New("job.max_workers + job.max_services exceeds 256"))
		}
	case RoleWorker:
		errs = append(errs, checkRange("worker.discovery_port", c.Worker.DiscoveryPort, c.Worker.PortCount))
		if c.Worker.Service && len(c.Worker.Files) == 0 {
			errs = append(errs, errors.New("worker.files is empty for a service connection"))
		}
	case RoleRegistry:
		if c.Registry.DB == "" {
			errs = append(errs, errors.New("registry.db is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid role %q: must be master, worker or registry", c.Role))
	}
	return errors.Join(errs...)
}

func checkRange(name string, first, count int) error {
	if count < 1 || first < 1 || first+count-1 > 65535 {
		return fmt.Errorf("%s: range %d+%d outside 1~65535", name, first, count)
	}
	return nil
}
