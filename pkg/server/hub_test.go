package server

import (
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

	"github.com/nicktill/tileproxy/pkg/orchestrator"
	"github.com/nicktill/tileproxy/pkg/store"
	"github.com/nicktill/tileproxy/pkg/tile"
)

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()

	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) TileEvent {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev TileEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHub_BroadcastFiltersByChart(t *testing.T) {
	hub, srv := startHub(t)

	all := dial(t, srv, "")
	onlyB := dial(t, srv, "?chart=b")
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.clients) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Broadcast("a", TileEvent{Chart: "a", Event: store.Event{Type: store.EventInit, Field: "cpu"}}))
	require.NoError(t, hub.Broadcast("b", TileEvent{Chart: "b", Event: store.Event{Type: store.EventCleared}}))

	// The unfiltered client sees both, in order
	assert.Equal(t, "a", readEvent(t, all).Chart)
	assert.Equal(t, "b", readEvent(t, all).Chart)

	ev := readEvent(t, onlyB)
	assert.Equal(t, "b", ev.Chart)
	assert.Equal(t, store.EventCleared, ev.Type)
}

func TestHub_NoClients(t *testing.T) {
	hub := NewHub(nil)
	if hub.HasClients() {
		t.Error("New hub should have no clients")
	}
	// Without Run the buffer fills and further messages are dropped
	for i := 0; i < 300; i++ {
		if err := hub.Broadcast("a", map[string]int{"i": i}); err != nil {
			t.Fatalf("Broadcast failed: %v", err)
		}
	}
}

func TestCharts_ForwardsStoreEvents(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv, "?chart=main")
	require.Eventually(t, hub.HasClients, 2*time.Second, 10*time.Millisecond)

	charts := NewCharts(orchestrator.FetcherFunc(func(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error) {
		return nil, nil
	}), orchestrator.DefaultOptions(), orchestrator.NewRegistry(), hub, nil)
	defer charts.CloseAll()

	session, err := charts.GetOrCreate("main")
	require.NoError(t, err)
	require.NoError(t, session.InitSystem("cpu", 1_000, tile.Interval{FromMs: 0, ToMs: 10_000}))

	ev := readEvent(t, conn)
	assert.Equal(t, "main", ev.Chart)
	assert.Equal(t, store.EventInit, ev.Type)
	assert.Equal(t, "cpu", ev.Field)
	assert.Equal(t, int64(1_000), ev.BucketMs)
}
