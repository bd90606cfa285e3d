package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tileproxy/pkg/chart"
	"github.com/nicktill/tileproxy/pkg/config"
	"github.com/nicktill/tileproxy/pkg/logger"
	"github.com/nicktill/tileproxy/pkg/orchestrator"
	"github.com/nicktill/tileproxy/pkg/store"
)

const maxChartIDLength = 64

var (
	// ErrChartNotFound is returned for an unknown chart id
	ErrChartNotFound = errors.New("chart not found")

	// ErrInvalidChartID is returned for empty or oversized chart ids
	ErrInvalidChartID = fmt.Errorf("chart id must be 1-%d chars", maxChartIDLength)
)

// TileEvent is the websocket payload for one store change of one chart
type TileEvent struct {
	Chart string `json:"chart"`
	store.Event
}

type chartEntry struct {
	session     *chart.Session
	unsubscribe func()
}

// Charts owns one session per chart id. Every session gets its own store and
// fetch manager; managers are tracked in the shared registry so health and
// shutdown see all of them.
type Charts struct {
	mu       sync.RWMutex
	charts   map[string]*chartEntry
	registry *orchestrator.Registry
	fetcher  orchestrator.Fetcher
	opts     orchestrator.Options
	hub      *Hub
	logger   *zap.Logger
}

// NewCharts creates an empty chart set. hub may be nil.
func NewCharts(fetcher orchestrator.Fetcher, opts orchestrator.Options, registry *orchestrator.Registry, hub *Hub, log *zap.Logger) *Charts {
	return &Charts{
		charts:   make(map[string]*chartEntry),
		registry: registry,
		fetcher:  fetcher,
		opts:     opts,
		hub:      hub,
		logger:   logger.OrNop(log),
	}
}

// Get returns the session of id
func (c *Charts) Get(id string) (*chart.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.charts[id]
	if !ok {
		return nil, fmt.Errorf("chart %q: %w", id, ErrChartNotFound)
	}
	return entry.session, nil
}

// GetOrCreate returns the session of id, creating it on first use
func (c *Charts) GetOrCreate(id string) (*chart.Session, error) {
	if id == "" || len(id) > maxChartIDLength {
		return nil, ErrInvalidChartID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.charts[id]; ok {
		return entry.session, nil
	}

	log := c.logger.With(zap.String("chart", id))
	st := store.New(log)
	manager := orchestrator.NewManager(st, c.fetcher, log, c.opts)
	if err := c.registry.Register(id, manager); err != nil {
		manager.Close()
		return nil, fmt.Errorf("chart %q: %w", id, err)
	}

	entry := &chartEntry{
		session:     chart.NewSession(st, manager, log),
		unsubscribe: func() {},
	}
	if c.hub != nil {
		events, cancel := st.Subscribe(config.WSBroadcastBuffer)
		entry.unsubscribe = cancel
		go c.forward(id, events)
	}
	c.charts[id] = entry

	c.logger.Info("chart created", zap.String("chart", id))
	return entry.session, nil
}

// forward relays store events to the hub until the subscription closes
func (c *Charts) forward(id string, events <-chan store.Event) {
	for ev := range events {
		if !c.hub.HasClients() {
			continue
		}
		if err := c.hub.Broadcast(id, TileEvent{Chart: id, Event: ev}); err != nil {
			c.logger.Warn("failed to broadcast tile event", zap.String("chart", id), zap.Error(err))
		}
	}
}

// Delete cancels the chart's fetches and forgets it
func (c *Charts) Delete(id string) bool {
	c.mu.Lock()
	entry, ok := c.charts[id]
	delete(c.charts, id)
	c.mu.Unlock()

	if !ok {
		return false
	}
	c.registry.Remove(id)
	entry.unsubscribe()
	c.logger.Info("chart deleted", zap.String("chart", id))
	return true
}

// IDs returns the chart ids, sorted
func (c *Charts) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.charts))
	for id := range c.charts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ClearErrors drops error tiles older than olderThan in every chart, so the
// planner requests those ranges again.
func (c *Charts) ClearErrors(olderThan time.Duration) int {
	c.mu.RLock()
	sessions := make([]*chart.Session, 0, len(c.charts))
	for _, entry := range c.charts {
		sessions = append(sessions, entry.session)
	}
	c.mu.RUnlock()

	cleared := 0
	for _, s := range sessions {
		cleared += s.ClearErrors(olderThan)
	}
	return cleared
}

// CloseAll cancels every chart's fetches and forgets every chart
func (c *Charts) CloseAll() {
	c.mu.Lock()
	charts := c.charts
	c.charts = make(map[string]*chartEntry)
	c.mu.Unlock()

	c.registry.CloseAll()
	for _, entry := range charts {
		entry.unsubscribe()
	}
}
