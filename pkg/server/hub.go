package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nicktill/tileproxy/pkg/config"
	"github.com/nicktill/tileproxy/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header means a non-browser client such as a CLI or test
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// client is one websocket subscriber. An empty chart receives every chart.
type client struct {
	conn  *websocket.Conn
	chart string
}

// Hub fans tile events out to websocket clients
type Hub struct {
	// Registered clients
	clients map[*websocket.Conn]*client

	register   chan *client
	unregister chan *websocket.Conn
	broadcast  chan message

	logger *zap.Logger
	mu     sync.RWMutex
}

type message struct {
	chart string
	data  []byte
}

// NewHub creates a new websocket hub
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]*client),
		register:   make(chan *client, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan message, config.WSBroadcastBuffer),
		logger:     logger.OrNop(log),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Close all client connections on shutdown
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]*client)
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", zap.String("chart", c.chart), zap.Int("total", count))
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", zap.Int("total", count))
		case msg := <-h.broadcast:
			h.mu.RLock()
			// Collect failed connections to unregister after releasing lock
			var failed []*websocket.Conn
			for conn, c := range h.clients {
				if c.chart != "" && c.chart != msg.chart {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					h.logger.Debug("websocket write error", zap.Error(err))
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			for _, conn := range failed {
				h.mu.Lock()
				if _, ok := h.clients[conn]; ok {
					delete(h.clients, conn)
					conn.Close()
				}
				h.mu.Unlock()
			}
		}
	}
}

// Broadcast sends data to the clients watching chart
func (h *Hub) Broadcast(chart string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- message{chart: chart, data: payload}:
	default:
		// Channel full, drop message to prevent blocking
		h.logger.Warn("broadcast channel full, dropping message", zap.String("chart", chart))
	}
	return nil
}

// HasClients returns true if there are any connected websocket clients
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// HandleWebSocket handles GET /v1/ws. The optional chart query parameter
// limits the stream to one chart.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.register <- &client{conn: conn, chart: r.URL.Query().Get("chart")}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Keep the connection alive
	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteDeadline)); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		cancel()
		select {
		case h.unregister <- conn:
		default:
			// Hub stopped or backed up
			conn.Close()
		}
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	// Read messages (mostly for handling control frames)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket error", zap.Error(err))
			}
			break
		}
	}
}
