package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nicktill/tileproxy/pkg/config"
	"github.com/nicktill/tileproxy/pkg/logger"
	"github.com/nicktill/tileproxy/pkg/planner"
	"github.com/nicktill/tileproxy/pkg/store"
	"github.com/nicktill/tileproxy/pkg/tile"
)

// ErrNotRetryable marks fetch errors that retrying cannot fix, such as a
// rejected request. Wrap it with fmt.Errorf("...: %w", ErrNotRetryable).
var ErrNotRetryable = errors.New("fetch not retryable")

// Fetcher loads bins for one interval at one resolution.
type Fetcher interface {
	FetchBins(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error)

// FetchBins calls f.
func (f FetcherFunc) FetchBins(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error) {
	return f(ctx, field, iv, bucketMs)
}

// Options tune a Manager.
type Options struct {
	MaxConcurrent  int
	DedupeWindow   time.Duration
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	PrefetchMargin float64

	// Strategy is applied when committing fetched tiles.
	Strategy tile.Strategy
}

// DefaultOptions returns the configured orchestration defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:  config.MaxConcurrentFetches,
		DedupeWindow:   config.FetchDedupeWindow,
		Timeout:        config.FetchTimeout,
		MaxRetries:     config.FetchMaxRetries,
		RetryBaseDelay: config.FetchRetryBaseDelay,
		PrefetchMargin: config.DefaultPrefetchMargin,
		Strategy:       tile.StrategyReplace,
	}
}

// Batch is one dispatch: every task in it shares a request id stamped on its
// loading tiles.
type Batch struct {
	ID       string         `json:"id"`
	Field    string         `json:"field"`
	BucketMs int64          `json:"bucket_ms"`
	Tasks    []planner.Task `json:"tasks"`
	Skipped  []planner.Task `json:"skipped"`

	cancel  context.CancelFunc
	pending sync.WaitGroup
	done    chan struct{}
}

// Done is closed once every task of the batch has settled.
func (b *Batch) Done() <-chan struct{} {
	return b.done
}

// Manager dispatches fetches for one chart context and commits their results
// to a store. At most MaxConcurrent fetches run at once, and an interval
// already in flight, or settled within DedupeWindow, is not fetched again.
type Manager struct {
	store   *store.Store
	fetcher Fetcher
	logger  *zap.Logger
	monitor *FetchMonitor
	opts    Options
	sem     chan struct{}

	mu       sync.Mutex
	inflight map[uint64]string
	recent   map[uint64]time.Time
	batches  map[string]*Batch
	wg       sync.WaitGroup
}

// NewManager creates a manager. Zero-valued options fall back to defaults.
func NewManager(st *store.Store, fetcher Fetcher, log *zap.Logger, opts Options) *Manager {
	def := DefaultOptions()
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = def.MaxConcurrent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = def.RetryBaseDelay
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.PrefetchMargin <= 0 {
		opts.PrefetchMargin = def.PrefetchMargin
	}
	if opts.Strategy == "" {
		opts.Strategy = def.Strategy
	}

	return &Manager{
		store:    st,
		fetcher:  fetcher,
		logger:   logger.OrNop(log),
		monitor:  &FetchMonitor{},
		opts:     opts,
		sem:      make(chan struct{}, opts.MaxConcurrent),
		inflight: make(map[uint64]string),
		recent:   make(map[uint64]time.Time),
		batches:  make(map[string]*Batch),
	}
}

// Monitor returns the manager's fetch health tracker.
func (m *Manager) Monitor() *FetchMonitor {
	return m.monitor
}

// Load plans the viewport against the (field, bucketMs) level and dispatches
// whatever it needs. The batch is nil when nothing needs loading.
func (m *Manager) Load(ctx context.Context, field string, bucketMs int64, visible tile.Interval, previous *tile.Interval) (planner.Plan, *Batch, error) {
	original, ok := m.store.Original(field)
	if !ok {
		return planner.Plan{}, nil, fmt.Errorf("load %q: %w", field, store.ErrUnknownField)
	}
	if err := m.store.InitSystem(field, bucketMs, original); err != nil {
		return planner.Plan{}, nil, fmt.Errorf("load %q: %w", field, err)
	}
	tiles, _ := m.store.Tiles(field, bucketMs)

	plan := planner.PlanLoad(tiles, original, visible, previous, planner.Options{
		PrefetchMargin: m.opts.PrefetchMargin,
		BucketMs:       bucketMs,
	})
	if !plan.NeedsLoading {
		return plan, nil, nil
	}

	batch, err := m.Dispatch(ctx, field, bucketMs, plan.TilesToLoad)
	if err != nil {
		return plan, nil, err
	}
	return plan, batch, nil
}

// Dispatch marks each task's interval as loading and fetches it in the
// background. Parts of a task already loading for another batch are left to
// that batch. ctx bounds the whole batch; Cancel stops it early.
func (m *Manager) Dispatch(ctx context.Context, field string, bucketMs int64, tasks []planner.Task) (*Batch, error) {
	if _, ok := m.store.Original(field); !ok {
		return nil, fmt.Errorf("dispatch %q: %w", field, store.ErrUnknownField)
	}

	bctx, cancel := context.WithCancel(ctx)
	batch := &Batch{
		ID:       uuid.NewString(),
		Field:    field,
		BucketMs: bucketMs,
		Tasks:    []planner.Task{},
		Skipped:  []planner.Task{},
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	now := time.Now()
	m.pruneRecent(now)

	// Plans may come from an older snapshot of the slot; re-check against the
	// loading tiles now so no in-flight fetch gets replaced.
	tasks, blocked := m.clipToLoading(field, bucketMs, tasks)
	batch.Skipped = append(batch.Skipped, blocked...)

	keys := make([]uint64, 0, len(tasks))
	for _, task := range tasks {
		key := dedupeKey(field, bucketMs, task.Interval)
		if m.isDuplicate(key, now) {
			batch.Skipped = append(batch.Skipped, task)
			continue
		}

		res, err := m.store.AddTile(field, bucketMs, tile.Tile{
			Interval:  task.Interval,
			Status:    tile.StatusLoading,
			RequestID: batch.ID,
		}, tile.Options{Strategy: tile.StrategyReplace})
		if err != nil || !res.WasAdded {
			m.logger.Warn("task not dispatched",
				zap.String("field", field),
				zap.Int64("bucket_ms", bucketMs),
				zap.Stringer("interval", task.Interval),
				zap.Error(err),
			)
			batch.Skipped = append(batch.Skipped, task)
			continue
		}

		m.inflight[key] = batch.ID
		batch.Tasks = append(batch.Tasks, task)
		keys = append(keys, key)
	}

	if len(batch.Tasks) == 0 {
		m.mu.Unlock()
		cancel()
		close(batch.done)
		return batch, nil
	}

	m.batches[batch.ID] = batch
	batch.pending.Add(len(batch.Tasks))
	m.wg.Add(len(batch.Tasks) + 1)
	for i, task := range batch.Tasks {
		go m.run(bctx, batch, task, keys[i])
	}
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		batch.pending.Wait()
		m.mu.Lock()
		delete(m.batches, batch.ID)
		m.mu.Unlock()
		cancel()
		close(batch.done)
	}()

	m.logger.Debug("batch dispatched",
		zap.String("request_id", batch.ID),
		zap.String("field", field),
		zap.Int64("bucket_ms", bucketMs),
		zap.Int("tasks", len(batch.Tasks)),
		zap.Int("skipped", len(batch.Skipped)),
	)
	return batch, nil
}

// Cancel stops a batch. Its loading tiles are removed, not marked as errors.
func (m *Manager) Cancel(requestID string) bool {
	m.mu.Lock()
	batch, ok := m.batches[requestID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	batch.cancel()
	return true
}

// CancelAll stops every running batch.
func (m *Manager) CancelAll() int {
	m.mu.Lock()
	batches := make([]*Batch, 0, len(m.batches))
	for _, b := range m.batches {
		batches = append(batches, b)
	}
	m.mu.Unlock()

	for _, b := range batches {
		b.cancel()
	}
	return len(batches)
}

// CancelField stops every running batch for field.
func (m *Manager) CancelField(field string) int {
	m.mu.Lock()
	var batches []*Batch
	for _, b := range m.batches {
		if b.Field == field {
			batches = append(batches, b)
		}
	}
	m.mu.Unlock()

	for _, b := range batches {
		b.cancel()
	}
	return len(batches)
}

// InFlight returns the number of intervals currently being fetched.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

// Wait blocks until every dispatched task has settled.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close cancels everything and waits for it to settle.
func (m *Manager) Close() {
	m.CancelAll()
	m.Wait()
}

func (m *Manager) run(ctx context.Context, batch *Batch, task planner.Task, key uint64) {
	defer m.wg.Done()
	defer batch.pending.Done()

	cancelled := false
	defer func() {
		m.mu.Lock()
		delete(m.inflight, key)
		if !cancelled {
			m.recent[key] = time.Now()
		}
		m.mu.Unlock()
	}()

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		cancelled = true
		m.abandon(batch)
		return
	}
	defer func() { <-m.sem }()

	bins, err := m.fetchWithRetry(ctx, batch.Field, task.Interval, batch.BucketMs)
	if ctx.Err() != nil {
		cancelled = true
		m.abandon(batch)
		return
	}
	if err != nil {
		m.fail(batch, task, err)
		return
	}

	_, err = m.store.AddTile(batch.Field, batch.BucketMs, tile.Tile{
		Interval:  task.Interval,
		Bins:      bins,
		Status:    tile.StatusReady,
		RequestID: batch.ID,
		LoadedAt:  time.Now().UnixMilli(),
	}, tile.Options{Strategy: m.opts.Strategy})
	if err != nil {
		m.fail(batch, task, err)
		return
	}

	m.monitor.RecordSuccess()
	m.logger.Debug("tile committed",
		zap.String("request_id", batch.ID),
		zap.Stringer("interval", task.Interval),
		zap.Int("bins", len(bins)),
	)
}

// fetchWithRetry retries failed fetches with exponential backoff:
// base, 2*base, 4*base...
func (m *Manager) fetchWithRetry(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error) {
	var lastErr error
	for attempt := 0; attempt <= m.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := m.opts.RetryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		fctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
		bins, err := m.fetcher.FetchBins(fctx, field, iv, bucketMs)
		cancel()
		if err == nil {
			return bins, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		m.logger.Warn("fetch failed",
			zap.String("field", field),
			zap.Stringer("interval", iv),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", m.opts.MaxRetries+1),
			zap.Error(err),
		)
		if errors.Is(err, ErrNotRetryable) {
			break
		}
	}
	return nil, fmt.Errorf("failed to fetch %s: %w", iv, lastErr)
}

func (m *Manager) fail(batch *Batch, task planner.Task, err error) {
	m.monitor.RecordFailure(err)
	n, uerr := m.store.UpdateByRequestID(batch.Field, batch.BucketMs, batch.ID, task.Interval, tile.StatusError, err.Error())
	if uerr != nil {
		m.logger.Warn("failed to mark tile as error", zap.Error(uerr))
	} else if n == 0 {
		m.logger.Debug("failed task left no loading tile",
			zap.String("request_id", batch.ID),
			zap.Stringer("interval", task.Interval),
		)
	}
	if status := m.monitor.Status(); status.ConsecutiveErrors > 3 {
		m.logger.Error("fetches keep failing",
			zap.Int("consecutive_errors", status.ConsecutiveErrors),
			zap.String("last_error", status.LastError),
		)
	}
}

func (m *Manager) abandon(batch *Batch) {
	m.monitor.RecordCancel()
	n := m.store.RemoveByRequestID(batch.Field, batch.BucketMs, batch.ID)
	if n > 0 {
		m.logger.Debug("cancelled batch cleared",
			zap.String("request_id", batch.ID),
			zap.Int("tiles", n),
		)
	}
}

// clipToLoading cuts the loading tiles out of each task. Pieces narrower than
// a bucket are dropped; a task with nothing left is returned as blocked.
// Callers hold m.mu, which every dispatch takes, so no loading tile can appear
// between the check and the AddTile that follows it.
func (m *Manager) clipToLoading(field string, bucketMs int64, tasks []planner.Task) (free, blocked []planner.Task) {
	tiles, _ := m.store.Tiles(field, bucketMs)
	isLoading := func(t tile.Tile) bool { return t.Status == tile.StatusLoading }

	for _, task := range tasks {
		res := tile.FindGapsFunc(task.Interval, tiles, nil, isLoading)
		if len(res.Gaps) == 1 && res.Gaps[0] == task.Interval {
			free = append(free, task)
			continue
		}

		clipped := false
		for _, gap := range res.Gaps {
			if gap.Span() < bucketMs {
				continue
			}
			piece := task
			piece.Interval = gap
			free = append(free, piece)
			clipped = true
		}
		if !clipped {
			blocked = append(blocked, task)
		}
	}
	return free, blocked
}

// isDuplicate reports whether key is in flight or settled inside the dedupe
// window. Callers hold m.mu.
func (m *Manager) isDuplicate(key uint64, now time.Time) bool {
	if _, busy := m.inflight[key]; busy {
		return true
	}
	at, ok := m.recent[key]
	return ok && now.Sub(at) < m.opts.DedupeWindow
}

func (m *Manager) pruneRecent(now time.Time) {
	for k, at := range m.recent {
		if now.Sub(at) >= m.opts.DedupeWindow {
			delete(m.recent, k)
		}
	}
}

func dedupeKey(field string, bucketMs int64, iv tile.Interval) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(field)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.FormatInt(bucketMs, 10))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.FormatInt(iv.FromMs, 10))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.FormatInt(iv.ToMs, 10))
	return d.Sum64()
}
