package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/connection counter.
var Stats = &stats{}

type stats struct {
	TotalConns  atomic.Int64 // cumulative count of connections since process start
	ClosedConns atomic.Int64 // cumulative count of closed connections since process start
	BytesSent   atomic.Int64 // cumulative bytes written to sockets
	BytesRecv   atomic.Int64 // cumulative bytes read from sockets
	MsgsSent    atomic.Int64 // logical messages queued for sending
	MsgsRecv    atomic.Int64 // logical messages delivered to the control loop
	Broadcasts  atomic.Int64 // discovery datagrams sent
}

func (s *stats) AddConn()      { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()   { s.ClosedConns.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddMsgSent()   { s.MsgsSent.Add(1) }
func (s *stats) AddMsgRecv()   { s.MsgsRecv.Add(1) }
func (s *stats) AddBroadcast() { s.Broadcasts.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Prometheus export
// ──────────────────────────────────────────────────────────────────────────────

var (
	descConns      = prometheus.NewDesc("vmpi_connections_total", "Connections accepted or established.", nil, nil)
	descClosed     = prometheus.NewDesc("vmpi_connections_closed_total", "Connections torn down.", nil, nil)
	descBytes      = prometheus.NewDesc("vmpi_bytes_total", "Bytes moved over sockets.", []string{"direction"}, nil)
	descMsgs       = prometheus.NewDesc("vmpi_messages_total", "Logical messages.", []string{"direction"}, nil)
	descBroadcasts = prometheus.NewDesc("vmpi_discovery_broadcasts_total", "Discovery datagrams sent.", nil, nil)
)

// Describe implements prometheus.Collector.
func (s *stats) Describe(ch chan<- *prometheus.Desc) {
	ch <- descConns
	ch <- descClosed
	ch <- descBytes
	ch <- descMsgs
	ch <- descBroadcasts
}

// Collect implements prometheus.Collector by reading the atomic counters.
func (s *stats) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(descConns, prometheus.CounterValue, float64(s.TotalConns.Load()))
	ch <- prometheus.MustNewConstMetric(descClosed, prometheus.CounterValue, float64(s.ClosedConns.Load()))
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue, float64(s.BytesSent.Load()), "out")
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue, float64(s.BytesRecv.Load()), "in")
	ch <- prometheus.MustNewConstMetric(descMsgs, prometheus.CounterValue, float64(s.MsgsSent.Load()), "out")
	ch <- prometheus.MustNewConstMetric(descMsgs, prometheus.CounterValue, float64(s.MsgsRecv.Load()), "in")
	ch <- prometheus.MustNewConstMetric(descBroadcasts, prometheus.CounterValue, float64(s.Broadcasts.Load()))
}

// RegisterStats adds the counters to reg (prometheus.DefaultRegisterer when nil).
func RegisterStats(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return reg.Register(Stats)
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// ReportInterval is how often StartStatsReporter samples the counters.
const ReportInterval = 10 * time.Second

// snapshot is one reading of the counters.
type snapshot struct {
	at                time.Time
	opened, closed    int64
	bytesIn, bytesOut int64
	msgsIn, msgsOut   int64
}

func (s *stats) snapshot(now time.Time) snapshot {
	return snapshot{
		at:       now,
		opened:   s.TotalConns.Load(),
		closed:   s.ClosedConns.Load(),
		bytesIn:  s.BytesRecv.Load(),
		bytesOut: s.BytesSent.Load(),
		msgsIn:   s.MsgsRecv.Load(),
		msgsOut:  s.MsgsSent.Load(),
	}
}

// rates is the traffic between two snapshots, per second.
type rates struct {
	bytesIn, bytesOut float64
	msgsIn, msgsOut   float64
	opened, closed    int64
	live              int64
}

func between(prev, cur snapshot) rates {
	secs := cur.at.Sub(prev.at).Seconds()
	if secs <= 0 {
		secs = 1
	}
	per := func(a, b int64) float64 { return float64(b-a) / secs }
	return rates{
		bytesIn:  per(prev.bytesIn, cur.bytesIn),
		bytesOut: per(prev.bytesOut, cur.bytesOut),
		msgsIn:   per(prev.msgsIn, cur.msgsIn),
		msgsOut:  per(prev.msgsOut, cur.msgsOut),
		opened:   cur.opened - prev.opened,
		closed:   cur.closed - prev.closed,
		live:     cur.opened - cur.closed,
	}
}

// idle reports whether nothing worth a log line happened.
func (r rates) idle() bool {
	return r.opened == 0 && r.closed == 0 && r.msgsIn < 0.1 && r.msgsOut < 0.1 &&
		r.bytesIn <= 10 && r.bytesOut <= 10
}

// perConn is the combined message rate divided over the live connections.
func (r rates) perConn() float64 {
	if r.live <= 0 {
		return 0
	}
	return (r.msgsIn + r.msgsOut) / float64(r.live)
}

func (r rates) String() string {
	return fmt.Sprintf("In: %s/s %smsg/s | Out: %s/s %smsg/s | Conn: +%d -%d = %d (%smsg/s each)",
		byteScale.format(r.bytesIn), countScale.format(r.msgsIn),
		byteScale.format(r.bytesOut), countScale.format(r.msgsOut),
		r.opened, r.closed, r.live,
		countScale.format(r.perConn()),
	)
}

// StartStatsReporter launches a goroutine that logs traffic and connection
// rates every ReportInterval while anything is moving. It stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(ReportInterval)
		defer ticker.Stop()

		prev := Stats.snapshot(time.Now())
		for {
			select {
			case now := <-ticker.C:
				cur := Stats.snapshot(now)
				if r := between(prev, cur); !r.idle() {
					pterm.DefaultLogger.Info(r.String())
				}
				prev = cur
			case <-ctx.Done():
				return
			}
		}
	}()
}

// scale renders a rate in exactly 8 characters, e.g. "99.0 B  ", " 1.5 KiB", "12.0 k  ".
type scale struct {
	base  float64
	units []string
}

var (
	byteScale  = scale{base: 1024, units: []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}}
	countScale = scale{base: 1000, units: []string{"", "k", "M", "G"}}
)

func (s scale) format(v float64) string {
	i := 0
	// "100.0" would widen the column.
	for v >= 99.95 && i < len(s.units)-1 {
		v /= s.base
		i++
	}
	return fmt.Sprintf("%4.1f %-3s", v, s.units[i])
}
