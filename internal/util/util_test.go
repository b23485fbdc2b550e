package util

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScaleFormat(t *testing.T) {
	testCases := []struct {
		scale scale
		in    float64
		want  string
	}{
		{byteScale, 0, " 0.0 B  "},
		{byteScale, 99, "99.0 B  "},
		{byteScale, 100, " 0.1 KiB"},
		{byteScale, 1536, " 1.5 KiB"},
		{byteScale, 3 * 1024 * 1024, " 3.0 MiB"},
		{countScale, 7, " 7.0    "},
		{countScale, 1500, " 1.5 k  "},
		{countScale, 99.96, " 0.1 k  "},
	}
	for _, tc := range testCases {
		got := tc.scale.format(tc.in)
		assert.Equal(t, tc.want, got)
		assert.Len(t, got, 8)
	}
}

func TestRatesBetween(t *testing.T) {
	t0 := time.Unix(1000, 0)
	prev := snapshot{at: t0, opened: 2, closed: 1, bytesIn: 100, bytesOut: 0, msgsIn: 10, msgsOut: 0}
	cur := snapshot{at: t0.Add(10 * time.Second), opened: 5, closed: 1, bytesIn: 20580, bytesOut: 1000, msgsIn: 110, msgsOut: 100}

	r := between(prev, cur)
	assert.InDelta(t, 2048.0, r.bytesIn, 0.001)
	assert.InDelta(t, 100.0, r.bytesOut, 0.001)
	assert.InDelta(t, 10.0, r.msgsIn, 0.001)
	assert.InDelta(t, 10.0, r.msgsOut, 0.001)
	assert.EqualValues(t, 3, r.opened)
	assert.EqualValues(t, 0, r.closed)
	assert.EqualValues(t, 4, r.live)
	assert.InDelta(t, 5.0, r.perConn(), 0.001)
	assert.False(t, r.idle())

	assert.Equal(t,
		"In:  2.0 KiB/s 10.0    msg/s | Out:  0.1 KiB/s 10.0    msg/s | Conn: +3 -0 = 4 ( 5.0    msg/s each)",
		r.String())

	quiet := between(cur, snapshot{at: cur.at.Add(10 * time.Second), opened: 5, closed: 1,
		bytesIn: cur.bytesIn, bytesOut: cur.bytesOut, msgsIn: cur.msgsIn, msgsOut: cur.msgsOut})
	assert.True(t, quiet.idle())
	assert.EqualValues(t, 4, quiet.live)

	empty := rates{}
	assert.Zero(t, empty.perConn())
}

func TestSnapshotReadsCounters(t *testing.T) {
	s := &stats{}
	s.AddConn()
	s.AddConn()
	s.RemoveConn()
	s.AddRecv(64)
	s.AddMsgSent()

	now := time.Now()
	snap := s.snapshot(now)
	assert.Equal(t, now, snap.at)
	assert.EqualValues(t, 2, snap.opened)
	assert.EqualValues(t, 1, snap.closed)
	assert.EqualValues(t, 64, snap.bytesIn)
	assert.EqualValues(t, 1, snap.msgsOut)
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(Quiet)

	require.NoError(t, SetLevel("DEBUG"))
	assert.Equal(t, pterm.LogLevelDebug, pterm.DefaultLogger.Level)

	require.NoError(t, SetLevel(" warn "))
	assert.Equal(t, pterm.LogLevelWarn, pterm.DefaultLogger.Level)

	require.NoError(t, SetLevel(""), "empty leaves the level alone")
	assert.Equal(t, pterm.LogLevelWarn, pterm.DefaultLogger.Level)

	assert.Error(t, SetLevel("loud"))
	assert.Equal(t, pterm.LogLevelWarn, pterm.DefaultLogger.Level)

	level, err := ParseLevel("off")
	require.NoError(t, err)
	assert.Equal(t, pterm.LogLevelDisabled, level)
}

func TestExeIdentity(t *testing.T) {
	assert.Equal(t, "render", NormalizeExeName(`C:\jobs\render.exe`))
	assert.Equal(t, "render", NormalizeExeName("/opt/jobs/render"))
	assert.True(t, SameExe("Render.EXE", "render"))
	assert.False(t, SameExe("render", "bake"))
	assert.NotEmpty(t, ExeName())
	assert.NotEmpty(t, MachineName())
}

func TestStatsCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterStats(reg))

	Stats.AddBroadcast()
	Stats.AddSent(10)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			key := f.GetName()
			for _, l := range m.GetLabel() {
				key += "/" + l.GetValue()
			}
			values[key] = m.GetCounter().GetValue()
		}
	}

	assert.GreaterOrEqual(t, values["vmpi_discovery_broadcasts_total"], float64(1))
	assert.GreaterOrEqual(t, values["vmpi_bytes_total/out"], float64(10))
	assert.Contains(t, values, "vmpi_messages_total/in")

	assert.Error(t, RegisterStats(reg), "duplicate registration")
}
