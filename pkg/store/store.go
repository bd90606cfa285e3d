package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tileproxy/pkg/logger"
	"github.com/nicktill/tileproxy/pkg/tile"
)

var (
	// ErrUnknownField is returned when a field has not been initialized
	ErrUnknownField = errors.New("field not initialized")

	// ErrRangeChanged is returned when InitSystem is called again with a different original range
	ErrRangeChanged = errors.New("original range is immutable once initialized")

	// ErrInvalidBucket is returned for non-positive bucket widths
	ErrInvalidBucket = errors.New("bucket must be positive")

	// ErrOutsideRange is returned by ReplaceTiles when a tile leaves the original range
	ErrOutsideRange = errors.New("tile outside original range")
)

type fieldState struct {
	original tile.Interval
	levels   map[int64][]tile.Tile
}

// Store holds tile arrays keyed by field and bucket width. Every mutation
// goes through the tile package and replaces the slot wholesale, so readers
// never observe a half-applied change. Reads return deep copies.
type Store struct {
	mu     sync.RWMutex
	fields map[string]*fieldState
	logger *zap.Logger

	subMu sync.Mutex
	subs  map[int]chan Event
	next  int
}

// New creates an empty store. A nil logger disables logging.
func New(log *zap.Logger) *Store {
	return &Store{
		fields: make(map[string]*fieldState),
		logger: logger.OrNop(log),
		subs:   make(map[int]chan Event),
	}
}

// InitSystem registers field with its original range and creates an empty
// level for bucketMs. Calling it again with the same range only adds the level.
func (s *Store) InitSystem(field string, bucketMs int64, original tile.Interval) error {
	if !original.Valid() {
		return fmt.Errorf("init %q %s: %w", field, original, tile.ErrInvalidInterval)
	}
	if bucketMs <= 0 {
		return fmt.Errorf("init %q: %w", field, ErrInvalidBucket)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fs, exists := s.fields[field]
	if !exists {
		fs = &fieldState{original: original, levels: make(map[int64][]tile.Tile)}
		s.fields[field] = fs
	} else if fs.original != original {
		return fmt.Errorf("init %q: have %s, got %s: %w", field, fs.original, original, ErrRangeChanged)
	}

	if _, ok := fs.levels[bucketMs]; !ok {
		fs.levels[bucketMs] = []tile.Tile{}
	}

	s.emit(Event{Type: EventInit, Field: field, BucketMs: bucketMs})
	return nil
}

// AddTile inserts t into the (field, bucketMs) slot. Tiles outside the
// original range are ignored with a warning.
func (s *Store) AddTile(field string, bucketMs int64, t tile.Tile, opts tile.Options) (tile.AddResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, err := s.level(field, bucketMs)
	if err != nil {
		return tile.AddResult{}, err
	}

	res, err := tile.AddTile(fs.original, fs.levels[bucketMs], t, opts)
	if err != nil {
		return tile.AddResult{}, fmt.Errorf("add tile %q/%d %s: %w", field, bucketMs, t.Interval, err)
	}

	if !res.WasAdded {
		s.logger.Warn("tile ignored",
			zap.String("field", field),
			zap.Int64("bucket_ms", bucketMs),
			zap.Stringer("interval", t.Interval),
			zap.Stringer("original", fs.original),
			zap.String("reason", string(res.Ignored)),
		)
		return res, nil
	}

	fs.levels[bucketMs] = res.Tiles
	s.emit(Event{Type: EventTilesChanged, Field: field, BucketMs: bucketMs, Interval: t.Interval, Status: t.Status})
	return res, nil
}

// UpdateTileStatus sets the status of the tile whose interval equals iv.
// It returns the number of tiles updated.
func (s *Store) UpdateTileStatus(field string, bucketMs int64, iv tile.Interval, status tile.Status, errMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, err := s.level(field, bucketMs)
	if err != nil {
		return 0, err
	}

	tiles, n := tile.UpdateTileStatus(fs.levels[bucketMs], iv, status, errMsg)
	if n == 0 {
		return 0, nil
	}
	fs.levels[bucketMs] = tiles
	s.emit(Event{Type: EventTilesChanged, Field: field, BucketMs: bucketMs, Interval: iv, Status: status})
	return n, nil
}

// UpdateByRequestID settles the loading tiles of requestID overlapping iv,
// whatever shape later commits left them in. It returns the number updated.
func (s *Store) UpdateByRequestID(field string, bucketMs int64, requestID string, iv tile.Interval, status tile.Status, errMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, err := s.level(field, bucketMs)
	if err != nil {
		return 0, err
	}

	tiles, n := tile.UpdateByRequestID(fs.levels[bucketMs], requestID, iv, status, errMsg)
	if n == 0 {
		return 0, nil
	}
	fs.levels[bucketMs] = tiles
	s.emit(Event{Type: EventTilesChanged, Field: field, BucketMs: bucketMs, Interval: iv, Status: status})
	return n, nil
}

// RemoveTile removes the tile at index. An out-of-range index is logged and
// reported as false.
func (s *Store) RemoveTile(field string, bucketMs int64, index int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, err := s.level(field, bucketMs)
	if err != nil {
		return false, err
	}

	tiles, ok := tile.RemoveTile(fs.levels[bucketMs], index)
	if !ok {
		s.logger.Warn("remove tile index out of range",
			zap.String("field", field),
			zap.Int64("bucket_ms", bucketMs),
			zap.Int("index", index),
			zap.Int("tiles", len(fs.levels[bucketMs])),
		)
		return false, nil
	}
	fs.levels[bucketMs] = tiles
	s.emit(Event{Type: EventTilesChanged, Field: field, BucketMs: bucketMs})
	return true, nil
}

// ReplaceTiles swaps the whole slot. The new array is sorted and must satisfy
// the non-overlap invariant inside the original range.
func (s *Store) ReplaceTiles(field string, bucketMs int64, tiles []tile.Tile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, err := s.level(field, bucketMs)
	if err != nil {
		return err
	}

	next := make([]tile.Tile, len(tiles))
	for i, t := range tiles {
		if !fs.original.Covers(t.Interval) {
			return fmt.Errorf("replace %q/%d %s: %w", field, bucketMs, t.Interval, ErrOutsideRange)
		}
		next[i] = t.Clone()
	}
	tile.SortTiles(next)
	if err := tile.CheckInvariant(next); err != nil {
		return fmt.Errorf("replace %q/%d: %w", field, bucketMs, err)
	}

	fs.levels[bucketMs] = next
	s.emit(Event{Type: EventTilesChanged, Field: field, BucketMs: bucketMs})
	return nil
}

// RemoveByRequestID drops the loading tiles of a cancelled request.
func (s *Store) RemoveByRequestID(field string, bucketMs int64, requestID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs, err := s.level(field, bucketMs)
	if err != nil {
		return 0
	}

	tiles, n := tile.RemoveByRequestID(fs.levels[bucketMs], requestID)
	if n > 0 {
		fs.levels[bucketMs] = tiles
		s.emit(Event{Type: EventTilesChanged, Field: field, BucketMs: bucketMs})
	}
	return n
}

// ClearErrors removes error tiles whose FailedAt is more than olderThan ago,
// so the planner sees those ranges as gaps again. Zero clears every error
// tile, as does a missing FailedAt.
func (s *Store) ClearErrors(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for field, fs := range s.fields {
		for bucket, tiles := range fs.levels {
			next, n := tile.RemoveFunc(tiles, func(t tile.Tile) bool {
				return t.Status == tile.StatusError && t.FailedAt <= cutoff
			})
			if n == 0 {
				continue
			}
			fs.levels[bucket] = next
			total += n
			s.emit(Event{Type: EventTilesChanged, Field: field, BucketMs: bucket})
		}
	}
	return total
}

// ClearField forgets a field, its original range included.
func (s *Store) ClearField(field string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.fields[field]; !ok {
		return
	}
	delete(s.fields, field)
	s.emit(Event{Type: EventCleared, Field: field})
}

// ClearAll forgets every field.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fields = make(map[string]*fieldState)
	s.emit(Event{Type: EventCleared})
}

// Tiles returns a copy of the (field, bucketMs) slot.
func (s *Store) Tiles(field string, bucketMs int64) ([]tile.Tile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fs, ok := s.fields[field]
	if !ok {
		return nil, false
	}
	tiles, ok := fs.levels[bucketMs]
	if !ok {
		return nil, false
	}
	return cloneTiles(tiles), true
}

// Original returns the original range of field.
func (s *Store) Original(field string) (tile.Interval, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fs, ok := s.fields[field]
	if !ok {
		return tile.Interval{}, false
	}
	return fs.original, true
}

// Levels returns the original range and a copy of every level of field.
func (s *Store) Levels(field string) (tile.Interval, map[int64][]tile.Tile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fs, ok := s.fields[field]
	if !ok {
		return tile.Interval{}, nil, false
	}
	levels := make(map[int64][]tile.Tile, len(fs.levels))
	for b, tiles := range fs.levels {
		levels[b] = cloneTiles(tiles)
	}
	return fs.original, levels, true
}

// Fields returns the initialized field names, sorted.
func (s *Store) Fields() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.fields))
	for f := range s.fields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Buckets returns the bucket widths initialized for field, ascending.
func (s *Store) Buckets(field string) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fs, ok := s.fields[field]
	if !ok {
		return []int64{}
	}
	out := make([]int64, 0, len(fs.levels))
	for b := range fs.levels {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// level looks up a slot, creating it on first use. Callers hold s.mu.
func (s *Store) level(field string, bucketMs int64) (*fieldState, error) {
	if bucketMs <= 0 {
		return nil, fmt.Errorf("%q: %w", field, ErrInvalidBucket)
	}
	fs, ok := s.fields[field]
	if !ok {
		return nil, fmt.Errorf("%q: %w", field, ErrUnknownField)
	}
	if _, ok := fs.levels[bucketMs]; !ok {
		fs.levels[bucketMs] = []tile.Tile{}
	}
	return fs, nil
}

func cloneTiles(tiles []tile.Tile) []tile.Tile {
	out := make([]tile.Tile, len(tiles))
	for i, t := range tiles {
		out[i] = t.Clone()
	}
	return out
}
