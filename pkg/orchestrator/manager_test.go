package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tileproxy/pkg/planner"
	"github.com/nicktill/tileproxy/pkg/store"
	"github.com/nicktill/tileproxy/pkg/tile"
)

const bucket = int64(100)

var original = tile.Interval{FromMs: 0, ToMs: 10_000}

func binsFor(iv tile.Interval, bucketMs int64) []tile.Bin {
	var bins []tile.Bin
	for t := iv.FromMs; t < iv.ToMs; t += bucketMs {
		bins = append(bins, tile.Bin{T: t, Avg: tile.Float(float64(t)), Count: 1})
	}
	return bins
}

func okFetcher(calls *int32) Fetcher {
	return FetcherFunc(func(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return binsFor(iv, bucketMs), nil
	})
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.RetryBaseDelay = time.Millisecond
	opts.DedupeWindow = 50 * time.Millisecond
	return opts
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(nil)
	require.NoError(t, st.InitSystem("cpu", bucket, original))
	return st
}

func gapTask(from, to int64) planner.Task {
	return planner.Task{
		Interval: tile.Interval{FromMs: from, ToMs: to},
		Reason:   planner.ReasonGap,
		Priority: planner.PriorityHigh,
	}
}

func TestManager_LoadCommitsReadyTiles(t *testing.T) {
	st := newStore(t)
	m := NewManager(st, okFetcher(nil), nil, fastOptions())

	visible := tile.Interval{FromMs: 1000, ToMs: 3000}
	plan, batch, err := m.Load(context.Background(), "cpu", bucket, visible, nil)
	require.NoError(t, err)
	require.True(t, plan.NeedsLoading)
	require.NotNil(t, batch)

	<-batch.Done()

	tiles, _ := st.Tiles("cpu", bucket)
	res := tile.FindGaps(original, tiles, &visible)
	assert.True(t, res.HasFull)
	for _, tl := range tiles {
		assert.Equal(t, tile.StatusReady, tl.Status)
		assert.NotZero(t, tl.LoadedAt)
	}

	plan, batch, err = m.Load(context.Background(), "cpu", bucket, visible, nil)
	require.NoError(t, err)
	assert.False(t, plan.NeedsLoading)
	assert.Nil(t, batch)
	assert.Equal(t, uint64(1), m.Monitor().Status().Succeeded)
}

func TestManager_LoadUnknownField(t *testing.T) {
	m := NewManager(store.New(nil), okFetcher(nil), nil, fastOptions())
	_, _, err := m.Load(context.Background(), "nope", bucket, original, nil)
	assert.ErrorIs(t, err, store.ErrUnknownField)
}

func TestManager_FailureMarksErrorAfterRetries(t *testing.T) {
	st := newStore(t)
	var calls int32
	fetcher := FetcherFunc(func(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("upstream 503")
	})
	m := NewManager(st, fetcher, nil, fastOptions())

	batch, err := m.Dispatch(context.Background(), "cpu", bucket, []planner.Task{gapTask(0, 500)})
	require.NoError(t, err)
	<-batch.Done()

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "one attempt plus two retries")

	tiles, _ := st.Tiles("cpu", bucket)
	require.Len(t, tiles, 1)
	assert.Equal(t, tile.StatusError, tiles[0].Status)
	assert.Contains(t, tiles[0].Error, "upstream 503")
	assert.Equal(t, uint64(1), m.Monitor().Status().Failed)
}

func TestManager_NotRetryable(t *testing.T) {
	st := newStore(t)
	var calls int32
	fetcher := FetcherFunc(func(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error) {
		atomic.AddInt32(&calls, 1)
		return nil, fmt.Errorf("bad request: %w", ErrNotRetryable)
	})
	m := NewManager(st, fetcher, nil, fastOptions())

	batch, err := m.Dispatch(context.Background(), "cpu", bucket, []planner.Task{gapTask(0, 500)})
	require.NoError(t, err)
	<-batch.Done()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestManager_CancelRemovesLoadingTiles(t *testing.T) {
	st := newStore(t)
	started := make(chan struct{}, 4)
	fetcher := FetcherFunc(func(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m := NewManager(st, fetcher, nil, fastOptions())

	// An unrelated ready tile must survive the cancellation
	_, err := st.AddTile("cpu", bucket, tile.Tile{
		Interval: tile.Interval{FromMs: 5000, ToMs: 6000},
		Bins:     binsFor(tile.Interval{FromMs: 5000, ToMs: 6000}, bucket),
		Status:   tile.StatusReady,
	}, tile.Options{})
	require.NoError(t, err)

	batch, err := m.Dispatch(context.Background(), "cpu", bucket, []planner.Task{gapTask(0, 500), gapTask(500, 1000)})
	require.NoError(t, err)
	<-started

	tiles, _ := st.Tiles("cpu", bucket)
	require.Len(t, tiles, 3)

	assert.True(t, m.Cancel(batch.ID))
	<-batch.Done()

	tiles, _ = st.Tiles("cpu", bucket)
	require.Len(t, tiles, 1)
	assert.Equal(t, tile.StatusReady, tiles[0].Status)
	assert.Zero(t, m.Monitor().Status().Failed, "cancellation is not a failure")
	assert.False(t, m.Cancel(batch.ID), "finished batches are forgotten")
}

func TestManager_ConcurrencyCap(t *testing.T) {
	st := newStore(t)
	var running, peak int32
	fetcher := FetcherFunc(func(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return binsFor(iv, bucketMs), nil
	})

	opts := fastOptions()
	opts.MaxConcurrent = 2
	m := NewManager(st, fetcher, nil, opts)

	var tasks []planner.Task
	for i := int64(0); i < 8; i++ {
		tasks = append(tasks, gapTask(i*500, (i+1)*500))
	}
	batch, err := m.Dispatch(context.Background(), "cpu", bucket, tasks)
	require.NoError(t, err)
	<-batch.Done()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	tiles, _ := st.Tiles("cpu", bucket)
	assert.Len(t, tiles, 8)
}

func TestManager_DedupesInFlight(t *testing.T) {
	st := newStore(t)
	release := make(chan struct{})
	var calls int32
	fetcher := FetcherFunc(func(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return binsFor(iv, bucketMs), nil
	})
	opts := fastOptions()
	opts.DedupeWindow = time.Minute
	m := NewManager(st, fetcher, nil, opts)

	first, err := m.Dispatch(context.Background(), "cpu", bucket, []planner.Task{gapTask(0, 500)})
	require.NoError(t, err)
	second, err := m.Dispatch(context.Background(), "cpu", bucket, []planner.Task{gapTask(0, 500)})
	require.NoError(t, err)

	assert.Len(t, second.Skipped, 1)
	assert.Empty(t, second.Tasks)
	assert.Equal(t, 1, m.InFlight())

	close(release)
	<-first.Done()
	<-second.Done()
	m.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// Inside the window the settled key is still skipped
	third, err := m.Dispatch(context.Background(), "cpu", bucket, []planner.Task{gapTask(0, 500)})
	require.NoError(t, err)
	assert.Len(t, third.Skipped, 1)
}

func TestManager_CloseCancelsEverything(t *testing.T) {
	st := newStore(t)
	fetcher := FetcherFunc(func(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m := NewManager(st, fetcher, nil, fastOptions())

	_, err := m.Dispatch(context.Background(), "cpu", bucket, []planner.Task{gapTask(0, 500), gapTask(600, 900)})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	tiles, _ := st.Tiles("cpu", bucket)
	assert.Empty(t, tiles)
	assert.Zero(t, m.InFlight())
}

func loadingTiles(tiles []tile.Tile) []tile.Tile {
	var out []tile.Tile
	for _, tl := range tiles {
		if tl.Status == tile.StatusLoading {
			out = append(out, tl)
		}
	}
	return out
}

func TestManager_OverlappingBatchesSettleOutOfOrder(t *testing.T) {
	st := newStore(t)
	releaseA := make(chan struct{})
	releaseB := make(chan struct{})
	fetcher := FetcherFunc(func(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error) {
		if iv.FromMs == 0 {
			<-releaseA
			return binsFor(iv, bucketMs), nil
		}
		<-releaseB
		return nil, fmt.Errorf("upstream gone: %w", ErrNotRetryable)
	})
	m := NewManager(st, fetcher, nil, fastOptions())

	a, err := m.Dispatch(context.Background(), "cpu", bucket, []planner.Task{gapTask(0, 1000)})
	require.NoError(t, err)
	b, err := m.Dispatch(context.Background(), "cpu", bucket, []planner.Task{gapTask(500, 1500)})
	require.NoError(t, err)

	// b only fetches what a is not already loading
	require.Len(t, b.Tasks, 1)
	assert.Equal(t, tile.Interval{FromMs: 1000, ToMs: 1500}, b.Tasks[0].Interval)

	close(releaseA)
	<-a.Done()
	close(releaseB)
	<-b.Done()
	m.Wait()

	tiles, _ := st.Tiles("cpu", bucket)
	require.Len(t, tiles, 2)
	assert.Empty(t, loadingTiles(tiles), "no loading tile may outlive its batch")
	assert.Equal(t, tile.StatusReady, tiles[0].Status)
	assert.Equal(t, tile.Interval{FromMs: 0, ToMs: 1000}, tiles[0].Interval)
	assert.Equal(t, tile.StatusError, tiles[1].Status)
	assert.Equal(t, tile.Interval{FromMs: 1000, ToMs: 1500}, tiles[1].Interval)
	assert.NotZero(t, tiles[1].FailedAt)
}

func TestManager_FailureAfterTrimMarksRemainder(t *testing.T) {
	st := newStore(t)
	started := make(chan struct{})
	release := make(chan struct{})
	fetcher := FetcherFunc(func(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error) {
		close(started)
		<-release
		return nil, fmt.Errorf("bad gateway: %w", ErrNotRetryable)
	})
	m := NewManager(st, fetcher, nil, fastOptions())

	batch, err := m.Dispatch(context.Background(), "cpu", bucket, []planner.Task{gapTask(500, 1500)})
	require.NoError(t, err)
	<-started

	// A commit from elsewhere trims the loading tile to [1000,1500)
	_, err = st.AddTile("cpu", bucket, tile.Tile{
		Interval: tile.Interval{FromMs: 0, ToMs: 1000},
		Bins:     binsFor(tile.Interval{FromMs: 0, ToMs: 1000}, bucket),
		Status:   tile.StatusReady,
	}, tile.Options{})
	require.NoError(t, err)

	close(release)
	<-batch.Done()

	tiles, _ := st.Tiles("cpu", bucket)
	require.Len(t, tiles, 2)
	assert.Empty(t, loadingTiles(tiles))
	assert.Equal(t, tile.Interval{FromMs: 1000, ToMs: 1500}, tiles[1].Interval)
	assert.Equal(t, tile.StatusError, tiles[1].Status)
	assert.Contains(t, tiles[1].Error, "bad gateway")
}

func TestManager_StalePlanKeepsLoadingTiles(t *testing.T) {
	st := newStore(t)
	release := make(chan struct{})
	fetcher := FetcherFunc(func(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error) {
		<-release
		return binsFor(iv, bucketMs), nil
	})
	m := NewManager(st, fetcher, nil, fastOptions())

	// Both plans see an empty slot, as two viewport loads racing would
	snapshot, _ := st.Tiles("cpu", bucket)
	stale := planner.PlanLoad(snapshot, original, tile.Interval{FromMs: 0, ToMs: 2000}, nil, planner.Options{BucketMs: bucket})
	require.True(t, stale.NeedsLoading)

	first, err := m.Dispatch(context.Background(), "cpu", bucket, []planner.Task{gapTask(0, 1000)})
	require.NoError(t, err)
	second, err := m.Dispatch(context.Background(), "cpu", bucket, stale.TilesToLoad)
	require.NoError(t, err)
	inside, err := m.Dispatch(context.Background(), "cpu", bucket, []planner.Task{gapTask(200, 800)})
	require.NoError(t, err)

	require.Len(t, second.Tasks, 1)
	assert.Equal(t, tile.Interval{FromMs: 1000, ToMs: 2000}, second.Tasks[0].Interval)
	assert.Empty(t, inside.Tasks)
	assert.Len(t, inside.Skipped, 1)

	tiles, _ := st.Tiles("cpu", bucket)
	loading := loadingTiles(tiles)
	require.Len(t, loading, 2)
	assert.Equal(t, tile.Interval{FromMs: 0, ToMs: 1000}, loading[0].Interval)
	assert.Equal(t, first.ID, loading[0].RequestID)
	assert.Equal(t, second.ID, loading[1].RequestID)

	close(release)
	m.Wait()
	tiles, _ = st.Tiles("cpu", bucket)
	assert.Empty(t, loadingTiles(tiles))
}

func TestManager_ConcurrentLoadsNeverReplaceLoading(t *testing.T) {
	st := newStore(t)
	var lost int32
	fetcher := FetcherFunc(func(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error) {
		// The tile dispatched for this fetch must still be there
		tiles, _ := st.Tiles(field, bucketMs)
		found := false
		for _, tl := range tiles {
			if tl.Interval == iv && tl.Status == tile.StatusLoading {
				found = true
			}
		}
		if !found {
			atomic.AddInt32(&lost, 1)
		}
		time.Sleep(time.Millisecond)
		return binsFor(iv, bucketMs), nil
	})
	m := NewManager(st, fetcher, nil, fastOptions())

	var wg sync.WaitGroup
	for i := int64(0); i < 16; i++ {
		wg.Add(1)
		go func(offset int64) {
			defer wg.Done()
			visible := tile.Interval{FromMs: offset * 300, ToMs: offset*300 + 2000}
			_, _, err := m.Load(context.Background(), "cpu", bucket, visible, nil)
			assert.NoError(t, err)
		}(i % 8)
	}
	wg.Wait()
	m.Wait()

	assert.Zero(t, atomic.LoadInt32(&lost), "a loading tile was replaced before its fetch ran")
	tiles, _ := st.Tiles("cpu", bucket)
	assert.Empty(t, loadingTiles(tiles))
	assert.NoError(t, tile.CheckInvariant(tiles))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	m := NewManager(newStore(t), okFetcher(nil), nil, fastOptions())

	require.NoError(t, r.Register("chart-1", m))
	assert.ErrorIs(t, r.Register("chart-1", m), ErrDuplicateContext)

	got, ok := r.Get("chart-1")
	require.True(t, ok)
	assert.Same(t, m, got)
	assert.Equal(t, []string{"chart-1"}, r.IDs())
	assert.Contains(t, r.Status(), "chart-1")

	assert.True(t, r.Remove("chart-1"))
	assert.False(t, r.Remove("chart-1"))
	assert.Empty(t, r.IDs())
}
