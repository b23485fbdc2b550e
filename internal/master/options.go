package master

import (
	"net/netip"
	"time"

	"github.com/1ureka/vmpi/internal/protocol"
	"github.com/1ureka/vmpi/internal/transport"
	"github.com/1ureka/vmpi/internal/util"
)

// Defaults.
const (
	DefaultBroadcastInterval = 300 * time.Millisecond
	DefaultRegistryInterval  = 30 * time.Second
	DefaultMaxWorkers        = 64
)

// Options configures a Master.
type Options struct {
	Host           string              // listen host; "" binds every interface
	WorkerPorts    transport.PortRange // stream listener for workers
	ServicePorts   transport.PortRange // stream listener for file-transfer-only peers
	DiscoveryPorts transport.PortRange // ports workers listen on for broadcasts
	BroadcastAddrs []netip.Addr        // default 255.255.255.255
	Local          bool                // no discovery socket; workers are given our address

	Password     string
	PatchVersion string
	Request      protocol.RequestKind
	JobID        protocol.JobID // random when zero
	WorkerExe    string         // executable identity workers must match
	Args         []string       // worker command line
	Files        []string       // dependency files offered to service connections

	MaxWorkers  int
	MaxServices int // defaults to 4 × MaxWorkers

	BroadcastInterval time.Duration
	RegistryInterval  time.Duration
	Registry          WorkerSource // optional
}

func (o *Options) setDefaults() {
	if o.WorkerPorts.Count == 0 {
		o.WorkerPorts = transport.PortRange{First: protocol.MasterPortFirst, Count: protocol.PortRangeSize}
	}
	if o.ServicePorts.Count == 0 {
		o.ServicePorts = transport.PortRange{First: protocol.ServicePortFirst, Count: protocol.PortRangeSize}
	}
	if o.DiscoveryPorts.Count == 0 {
		o.DiscoveryPorts = transport.PortRange{First: protocol.DiscoveryPortFirst, Count: protocol.PortRangeSize}
	}
	if len(o.BroadcastAddrs) == 0 {
		o.BroadcastAddrs = []netip.Addr{netip.AddrFrom4([4]byte{255, 255, 255, 255})}
	}
	if o.JobID.IsZero() {
		o.JobID = protocol.NewJobID()
	}
	if o.WorkerExe == "" {
		o.WorkerExe = util.ExeName()
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = DefaultMaxWorkers
	}
	if o.MaxServices <= 0 {
		o.MaxServices = 4 * o.MaxWorkers
	}
	if o.BroadcastInterval <= 0 {
		o.BroadcastInterval = DefaultBroadcastInterval
	}
	if o.RegistryInterval <= 0 {
		o.RegistryInterval = DefaultRegistryInterval
	}
}
