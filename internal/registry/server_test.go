package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/vmpi/internal/util"
)

func TestMain(m *testing.M) {
	util.Quiet()
	os.Exit(m.Run())
}

func newTestServer(t *testing.T, pin string) (*httptest.Server, *Store) {
	t.Helper()
	store := openStore(t)
	ts := httptest.NewServer(NewServer(store, pin, time.Minute).Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func wsURL(ts *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(ts.URL, "http://")
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestClientAnnounceAndQuery(t *testing.T) {
	ts, _ := newTestServer(t, "1234")

	worker, err := NewClient(wsURL(ts), "1234")
	require.NoError(t, err)
	defer worker.Close()

	ctx := ctxTimeout(t)
	require.NoError(t, worker.Announce(ctx, "render-01", netip.MustParseAddrPort("10.0.0.5:22511")))
	require.NoError(t, worker.Announce(ctx, "render-02", netip.MustParseAddrPort("10.0.0.6:22512")))

	master, err := NewClient(wsURL(ts)+"/ws", "1234")
	require.NoError(t, err)
	defer master.Close()

	addrs, err := master.Workers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.5:22511"),
		netip.MustParseAddrPort("10.0.0.6:22512"),
	}, addrs)
}

func TestClientWrongPin(t *testing.T) {
	ts, _ := newTestServer(t, "1234")

	c, err := NewClient(wsURL(ts), "0000")
	require.NoError(t, err)
	defer c.Close()

	err = c.Announce(ctxTimeout(t), "w", netip.MustParseAddrPort("10.0.0.5:22511"))
	assert.Error(t, err)
}

func TestServerRejectsBadAnnounce(t *testing.T) {
	ts, _ := newTestServer(t, "")
	c, err := NewClient(wsURL(ts), "")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.roundTrip(ctxTimeout(t), Message{Type: MsgAnnounce, Addr: "/ip4/10.0.0.5/udp/1"})
	assert.ErrorContains(t, err, "missing name")

	_, err = c.roundTrip(ctxTimeout(t), Message{Type: "bogus"})
	assert.ErrorContains(t, err, "unknown message type")

	// The connection survives error replies.
	_, err = c.roundTrip(ctxTimeout(t), Message{Type: MsgQuery})
	assert.NoError(t, err)
}

func TestHTTPRoutes(t *testing.T) {
	ts, store := newTestServer(t, "1234")
	require.NoError(t, store.Upsert(context.Background(), Entry{
		Name: "render-01",
		Addr: netip.MustParseAddrPort("10.0.0.5:22511"),
		Seen: time.Now(),
	}))

	var health map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(1), health["workers"])

	assert.Equal(t, http.StatusUnauthorized, getJSON(t, ts.URL+"/workers", nil))
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, ts.URL+"/workers?pin=9", nil))

	var views []entryView
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/workers?pin=1234", &views))
	require.Len(t, views, 1)
	assert.Equal(t, "render-01", views[0].Name)
	assert.Equal(t, "/ip4/10.0.0.5/udp/22511", views[0].Addr)
}

func TestServerStart(t *testing.T) {
	store := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewServer(store, "", 0)
	port, err := srv.Start(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	require.NotZero(t, port)
	defer srv.Close()

	assert.Equal(t, http.StatusOK, getJSON(t, "http://127.0.0.1:"+strconv.Itoa(port)+"/healthz", nil))
}
