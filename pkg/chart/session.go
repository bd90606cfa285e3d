package chart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tileproxy/pkg/logger"
	"github.com/nicktill/tileproxy/pkg/orchestrator"
	"github.com/nicktill/tileproxy/pkg/planner"
	"github.com/nicktill/tileproxy/pkg/proxy"
	"github.com/nicktill/tileproxy/pkg/selector"
	"github.com/nicktill/tileproxy/pkg/store"
	"github.com/nicktill/tileproxy/pkg/tile"
)

// ErrNoFetcher is returned by Load on a session built without a manager
var ErrNoFetcher = errors.New("session has no fetch manager")

// Session is the entry point a chart talks to: store mutations, coverage and
// render queries, load planning and, when a manager is attached, fetching.
type Session struct {
	store   *store.Store
	proxy   proxy.Service
	manager *orchestrator.Manager
	logger  *zap.Logger
}

// NewSession wraps st. manager may be nil for sessions that are fed tiles
// directly.
func NewSession(st *store.Store, manager *orchestrator.Manager, log *zap.Logger) *Session {
	return &Session{
		store:   st,
		proxy:   proxy.NewService(),
		manager: manager,
		logger:  logger.OrNop(log),
	}
}

// WithProxy replaces the selection policy.
func (s *Session) WithProxy(p proxy.Service) *Session {
	s.proxy = p
	return s
}

// Store returns the underlying tile store.
func (s *Session) Store() *store.Store { return s.store }

// Manager returns the attached fetch manager, or nil.
func (s *Session) Manager() *orchestrator.Manager { return s.manager }

// InitSystem registers field with its original range at bucketMs.
func (s *Session) InitSystem(field string, bucketMs int64, original tile.Interval) error {
	return s.store.InitSystem(field, bucketMs, original)
}

// AddTile inserts a tile with the default replace strategy.
func (s *Session) AddTile(field string, bucketMs int64, t tile.Tile) (tile.AddResult, error) {
	return s.store.AddTile(field, bucketMs, t, tile.Options{Strategy: tile.StrategyReplace})
}

// AddTileWith inserts a tile with explicit options.
func (s *Session) AddTileWith(field string, bucketMs int64, t tile.Tile, opts tile.Options) (tile.AddResult, error) {
	return s.store.AddTile(field, bucketMs, t, opts)
}

// UpdateTileStatus sets the status of the tile exactly covering iv.
func (s *Session) UpdateTileStatus(field string, bucketMs int64, iv tile.Interval, status tile.Status, errMsg string) (int, error) {
	return s.store.UpdateTileStatus(field, bucketMs, iv, status, errMsg)
}

// RemoveTile removes the tile at index.
func (s *Session) RemoveTile(field string, bucketMs int64, index int) (bool, error) {
	return s.store.RemoveTile(field, bucketMs, index)
}

// ReplaceTiles swaps the whole (field, bucketMs) array.
func (s *Session) ReplaceTiles(field string, bucketMs int64, tiles []tile.Tile) error {
	return s.store.ReplaceTiles(field, bucketMs, tiles)
}

// RemoveByRequestID drops the loading tiles of a request.
func (s *Session) RemoveByRequestID(field string, bucketMs int64, requestID string) int {
	return s.store.RemoveByRequestID(field, bucketMs, requestID)
}

// ClearErrors removes error tiles older than olderThan.
func (s *Session) ClearErrors(olderThan time.Duration) int {
	return s.store.ClearErrors(olderThan)
}

// ClearField cancels the field's fetches and forgets it.
func (s *Session) ClearField(field string) {
	if s.manager != nil {
		s.manager.CancelField(field)
	}
	s.store.ClearField(field)
}

// ClearAll cancels every fetch and forgets every field.
func (s *Session) ClearAll() {
	if s.manager != nil {
		s.manager.CancelAll()
	}
	s.store.ClearAll()
}

// GetCoverage reports ready coverage of target, or of the original range when
// target is nil.
func (s *Session) GetCoverage(field string, bucketMs int64, target *tile.Interval) (tile.CoverageResult, error) {
	original, ok := s.store.Original(field)
	if !ok {
		return tile.CoverageResult{}, fmt.Errorf("coverage %q: %w", field, store.ErrUnknownField)
	}
	tiles, _ := s.store.Tiles(field, bucketMs)
	return selector.Coverage(original, tiles, target), nil
}

// GetOptimalData returns render data for rng at targetBucketMs, degrading to
// other cached levels when the target level is not covered well enough.
func (s *Session) GetOptimalData(field string, targetBucketMs int64, rng tile.Interval) (proxy.Result, error) {
	original, levels, ok := s.store.Levels(field)
	if !ok {
		return proxy.Result{}, fmt.Errorf("optimal data %q: %w", field, store.ErrUnknownField)
	}

	res := s.proxy.SelectOptimalData(proxy.Request{
		TargetBucketMs: targetBucketMs,
		Range:          rng,
		Original:       original,
		Levels:         levels,
	})
	if res.Quality != proxy.QualityExact {
		s.logger.Debug("degraded render data",
			zap.String("field", field),
			zap.Int64("target_bucket_ms", targetBucketMs),
			zap.Int64("source_bucket_ms", res.SourceBucketMs),
			zap.String("quality", string(res.Quality)),
		)
	}
	return res, nil
}

// GetStats summarizes the (field, bucketMs) level.
func (s *Session) GetStats(field string, bucketMs int64) (selector.Stats, error) {
	original, ok := s.store.Original(field)
	if !ok {
		return selector.Stats{}, fmt.Errorf("stats %q: %w", field, store.ErrUnknownField)
	}
	tiles, _ := s.store.Tiles(field, bucketMs)
	return selector.ComputeStats(original, tiles), nil
}

// HasLoadingInRange reports whether any fetch is pending over rng.
func (s *Session) HasLoadingInRange(field string, bucketMs int64, rng tile.Interval) bool {
	tiles, _ := s.store.Tiles(field, bucketMs)
	return selector.HasLoadingInRange(tiles, rng)
}

// PlanLoad plans the fetches a viewport needs without dispatching them.
// A margin of zero uses the default prefetch margin.
func (s *Session) PlanLoad(field string, bucketMs int64, visible tile.Interval, previous *tile.Interval, margin float64) (planner.Plan, error) {
	original, ok := s.store.Original(field)
	if !ok {
		return planner.Plan{}, fmt.Errorf("plan %q: %w", field, store.ErrUnknownField)
	}
	tiles, _ := s.store.Tiles(field, bucketMs)
	return planner.PlanLoad(tiles, original, visible, previous, planner.Options{
		PrefetchMargin: margin,
		BucketMs:       bucketMs,
	}), nil
}

// Load plans the viewport and dispatches the fetches it needs.
func (s *Session) Load(ctx context.Context, field string, bucketMs int64, visible tile.Interval, previous *tile.Interval) (planner.Plan, *orchestrator.Batch, error) {
	if s.manager == nil {
		return planner.Plan{}, nil, ErrNoFetcher
	}
	return s.manager.Load(ctx, field, bucketMs, visible, previous)
}

// Close cancels outstanding fetches and waits for them to settle.
func (s *Session) Close() {
	if s.manager != nil {
		s.manager.Close()
	}
}
