package worker

import (
	"context"
	"net/netip"
	"time"

	"github.com/1ureka/vmpi/internal/protocol"
	"github.com/1ureka/vmpi/internal/transport"
	"github.com/1ureka/vmpi/internal/util"
)

// Defaults.
const (
	DefaultWait             = 10 * time.Second
	DefaultDialTimeout      = 3 * time.Second
	DefaultAnnounceInterval = 15 * time.Second
	retryDelay              = time.Second
)

// Announcer registers this worker's discovery address with an external
// registry so masters outside broadcast reach can find it.
type Announcer interface {
	Announce(ctx context.Context, name string, addr netip.AddrPort) error
}

// Options configures Connect.
type Options struct {
	Name     string // display name sent to the master
	Password string // must equal the job password
	ExeName  string // our executable identity

	Host           string              // local bind host for discovery
	DiscoveryPorts transport.PortRange // where we listen for broadcasts
	Master         netip.AddrPort      // direct master address; skips discovery
	MasterPorts    transport.PortRange // tried in order when Master has no port

	Service bool           // connect to the downloader port as a file-transfer-only peer
	Patch   bool           // answer service-patch requests instead of job requests
	JobID   protocol.JobID // only join this job when set

	NeedCommandLine bool // ask the master for the argument vector
	Retry           bool // start over when an attempt fails
	Wait            time.Duration
	DialTimeout     time.Duration

	Registry         Announcer  // optional
	AdvertiseIP      netip.Addr // address announced to the registry
	AnnounceInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = util.MachineName()
	}
	if o.ExeName == "" {
		o.ExeName = util.ExeName()
	}
	if o.DiscoveryPorts.Count == 0 {
		o.DiscoveryPorts = transport.PortRange{First: protocol.DiscoveryPortFirst, Count: protocol.PortRangeSize}
	}
	if o.MasterPorts.Count == 0 {
		first := protocol.MasterPortFirst
		if o.Service {
			first = protocol.ServicePortFirst
		}
		o.MasterPorts = transport.PortRange{First: first, Count: protocol.PortRangeSize}
	}
	if o.Wait <= 0 {
		o.Wait = DefaultWait
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.AnnounceInterval <= 0 {
		o.AnnounceInterval = DefaultAnnounceInterval
	}
}
