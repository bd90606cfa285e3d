package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nicktill/tileproxy/pkg/chart"
	"github.com/nicktill/tileproxy/pkg/orchestrator"
	"github.com/nicktill/tileproxy/pkg/proxy"
	"github.com/nicktill/tileproxy/pkg/server"
	"github.com/nicktill/tileproxy/pkg/source/badger"
	"github.com/nicktill/tileproxy/pkg/store"
	"github.com/nicktill/tileproxy/pkg/tile"
	"github.com/nicktill/tileproxy/pkg/transport"
)

const day = int64(86_400_000)

// startServer runs a full server over a badger source in a temp dir
func startServer(t *testing.T, cfg server.Config) (*httptest.Server, *app) {
	t.Helper()

	cfg.DataDir = t.TempDir()
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.MaxConcurrentFetches == 0 {
		cfg.MaxConcurrentFetches = 2
	}
	src, err := badger.New(badger.Config{Path: cfg.DataDir, MaxMemoryMB: 16})
	require.NoError(t, err)

	a, err := newApp(cfg, src, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go a.hub.Run(ctx)

	ts := httptest.NewServer(a.router)
	t.Cleanup(func() {
		ts.Close()
		a.charts.CloseAll()
		cancel()
		src.Close()
	})
	return ts, a
}

// hourlySamples returns one raw sample per five minutes over a day
func hourlySamples() []tile.Bin {
	var bins []tile.Bin
	for t := int64(0); t < day; t += 300_000 {
		bins = append(bins, tile.Bin{T: t, Avg: tile.Float(float64(t / 300_000))})
	}
	return bins
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

// TestE2E_RemoteChart pans a client-side chart session whose tiles are
// fetched from the server over HTTP.
func TestE2E_RemoteChart(t *testing.T) {
	ts, _ := startServer(t, server.Config{})
	ctx := context.Background()

	client, err := transport.NewHTTP(ts.URL, "")
	require.NoError(t, err)
	require.NoError(t, client.Write(ctx, "cpu", hourlySamples()))

	st := store.New(nil)
	manager := orchestrator.NewManager(st, client, nil, orchestrator.DefaultOptions())
	session := chart.NewSession(st, manager, nil)
	defer session.Close()

	original := tile.Interval{FromMs: 0, ToMs: day}
	require.NoError(t, session.InitSystem("cpu", 900_000, original))

	// First view: the morning at 15m resolution
	visible := tile.Interval{FromMs: 0, ToMs: day / 4}
	plan, batch, err := session.Load(ctx, "cpu", 900_000, visible, nil)
	require.NoError(t, err)
	require.True(t, plan.NeedsLoading)
	require.NotNil(t, batch)
	<-batch.Done()

	res, err := session.GetOptimalData("cpu", 900_000, visible)
	require.NoError(t, err)
	assert.Equal(t, proxy.QualityExact, res.Quality)
	require.Len(t, res.Data, 24)
	assert.Equal(t, int64(3), res.Data[0].Count)
	assert.Equal(t, 1.0, *res.Data[0].Avg)

	// Pan right: the planner prefetches ahead of the pan
	next := tile.Interval{FromMs: day / 8, ToMs: day/8 + day/4}
	plan, batch, err = session.Load(ctx, "cpu", 900_000, next, &visible)
	require.NoError(t, err)
	assert.Equal(t, "right", string(plan.Direction))
	if batch != nil {
		<-batch.Done()
	}

	cov, err := session.GetCoverage("cpu", 900_000, &next)
	require.NoError(t, err)
	assert.True(t, cov.HasFull, "gaps after pan: %v", cov.Gaps)

	// Zooming out renders from the 15m level while 1h is missing
	res, err = session.GetOptimalData("cpu", 3_600_000, tile.Interval{FromMs: 0, ToMs: day / 4})
	require.NoError(t, err)
	assert.Equal(t, proxy.QualityDownsampled, res.Quality)
	assert.Equal(t, int64(900_000), res.SourceBucketMs)
	assert.Len(t, res.Data, 6)

	assert.True(t, manager.Monitor().IsHealthy())
}

// TestE2E_ServerChart drives a server-side chart session over the HTTP API
// and watches its tile events on the websocket.
func TestE2E_ServerChart(t *testing.T) {
	ts, a := startServer(t, server.Config{})
	ctx := context.Background()

	client, err := transport.NewHTTP(ts.URL, "")
	require.NoError(t, err)
	require.NoError(t, client.Write(ctx, "cpu", hourlySamples()))

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws?chart=main"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, a.hub.HasClients, 2*time.Second, 10*time.Millisecond)

	resp := postJSON(t, ts.URL+"/v1/charts/main/fields/cpu", server.InitRequest{BucketMs: 3_600_000, FromMs: 0, ToMs: day})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/charts/main/fields/cpu/viewport?wait=true", server.ViewportRequest{BucketMs: 3_600_000, FromMs: 0, ToMs: day})
	var vp server.ViewportResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&vp))
	resp.Body.Close()
	require.NotNil(t, vp.Batch)

	resp, err = http.Get(ts.URL + "/v1/charts/main/fields/cpu/data?bucket=3600000&from=0&to=86400000")
	require.NoError(t, err)
	var res proxy.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	assert.Equal(t, proxy.QualityExact, res.Quality)
	assert.Len(t, res.Data, 24)

	// Collect events until the committed tile shows up
	sawReady := false
	deadline := time.Now().Add(3 * time.Second)
	for !sawReady && time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var ev server.TileEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		assert.Equal(t, "main", ev.Chart)
		sawReady = ev.Type == store.EventTilesChanged && ev.Status == tile.StatusReady
	}
	assert.True(t, sawReady, "expected a ready tile event")

	resp, err = http.Get(ts.URL + "/v1/health")
	require.NoError(t, err)
	var health server.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.Charts)
}

// TestE2E_ExportImport exports a chart view and imports it as a new series
func TestE2E_ExportImport(t *testing.T) {
	ts, _ := startServer(t, server.Config{})
	ctx := context.Background()

	client, err := transport.NewHTTP(ts.URL, "")
	require.NoError(t, err)
	require.NoError(t, client.Write(ctx, "cpu", hourlySamples()))

	resp := postJSON(t, ts.URL+"/v1/charts/main/fields/cpu", server.InitRequest{BucketMs: 3_600_000, FromMs: 0, ToMs: day})
	resp.Body.Close()
	resp = postJSON(t, ts.URL+"/v1/charts/main/fields/cpu/viewport?wait=true", server.ViewportRequest{BucketMs: 3_600_000, FromMs: 0, ToMs: day})
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/v1/charts/main/fields/cpu/export?bucket=3600000&from=0&to=86400000&format=json")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exported := &bytes.Buffer{}
	_, err = exported.ReadFrom(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	resp, err = http.Post(ts.URL+"/v1/series/cpu_hourly/import", "application/json", exported)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	bins, err := client.FetchBins(ctx, "cpu_hourly", tile.Interval{FromMs: 0, ToMs: day}, 3_600_000)
	require.NoError(t, err)
	require.Len(t, bins, 24)
	assert.Equal(t, int64(12), bins[0].Count)
}

func TestE2E_APIKey(t *testing.T) {
	ts, _ := startServer(t, server.Config{APIKey: "secret"})
	ctx := context.Background()

	anonymous, err := transport.NewHTTP(ts.URL, "")
	require.NoError(t, err)
	err = anonymous.Write(ctx, "cpu", hourlySamples()[:10])
	require.Error(t, err)
	assert.ErrorIs(t, err, orchestrator.ErrNotRetryable)

	client, err := transport.NewHTTP(ts.URL, "secret")
	require.NoError(t, err)
	require.NoError(t, client.Write(ctx, "cpu", hourlySamples()[:10]))
}
