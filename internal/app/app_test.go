package app

import (
	"context"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/vmpi/internal/config"
	"github.com/1ureka/vmpi/internal/dispatch"
	"github.com/1ureka/vmpi/internal/protocol"
	"github.com/1ureka/vmpi/internal/util"
)

func TestMain(m *testing.M) {
	util.Quiet()
	os.Exit(m.Run())
}

// TestEchoJob wires the master and worker echo handlers over a pipe: the
// persistent task reaches the worker and its result comes back.
func TestEchoJob(t *testing.T) {
	a, b := net.Pipe()

	results := make(chan string, 1)
	m := dispatch.New(0)
	defer m.Close()
	registerEchoMaster(m, func(id int, text string) { results <- text })
	require.NoError(t, m.Send(dispatch.Persistent, taskMessage([]string{"render", "frame", "7"})))

	w := dispatch.New(1)
	defer w.Close()
	registerEchoWorker(w, "node-1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m.Accept(a, false)
	w.Accept(b, false)
	go m.Run(ctx)
	go w.Run(ctx)

	select {
	case got := <-results:
		assert.Equal(t, "RENDER FRAME 7", got)
	case <-ctx.Done():
		t.Fatal("no result from worker")
	}
}

// TestRunWorkerRetriesDroppedHandshake has the master drop the first
// connection before greeting it. The worker must retry rather than treat the
// drop as losing a joined master, and it stops once the joined one leaves.
func TestRunWorkerRetriesDroppedHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var accepted atomic.Int32
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			if accepted.Add(1) == 1 {
				c.Close()
				continue
			}
			go func() {
				defer c.Close()
				protocol.WriteFrame(c, protocol.Join(
					protocol.Header(protocol.KindInternal, protocol.SubExeName),
					protocol.EncodeStrings(util.ExeName()),
				))
				time.Sleep(300 * time.Millisecond)
			}()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err = RunWorker(ctx, config.WorkerConfig{
		Name:   "node-1",
		Master: ln.Addr().String(),
		Retry:  true,
		Wait:   5 * time.Second,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, accepted.Load(), int32(2))
	assert.Less(t, time.Since(start), 8*time.Second, "stopped by the test deadline, not by the master leaving")
}

func TestMasterOptions(t *testing.T) {
	cfg := config.Defaults().Job
	cfg.Broadcast = []string{"192.168.1.255"}
	cfg.Files = []string{"scene.dat"}

	opts, err := masterOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.168.1.255")}, opts.BroadcastAddrs)
	assert.Equal(t, cfg.WorkerPort, opts.WorkerPorts.First)
	assert.Equal(t, cfg.PortCount, opts.WorkerPorts.Count)
	assert.Equal(t, []string{"scene.dat"}, opts.Files)

	cfg.Broadcast = []string{"not-an-ip"}
	_, err = masterOptions(cfg)
	assert.Error(t, err)
}

func TestParseMaster(t *testing.T) {
	testCases := []struct {
		in   string
		want netip.AddrPort
	}{
		{"10.0.0.2", netip.MustParseAddrPort("10.0.0.2:0")},
		{"10.0.0.2:23312", netip.MustParseAddrPort("10.0.0.2:23312")},
		{"/ip4/10.0.0.2/tcp/23313", netip.MustParseAddrPort("10.0.0.2:23313")},
	}
	for _, tc := range testCases {
		got, err := parseMaster(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
