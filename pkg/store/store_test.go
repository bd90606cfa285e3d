package store

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tileproxy/pkg/tile"
)

var original = tile.Interval{FromMs: 0, ToMs: 1000}

func readyTile(from, to int64) tile.Tile {
	return tile.Tile{
		Interval: tile.Interval{FromMs: from, ToMs: to},
		Bins:     []tile.Bin{{T: from, Avg: tile.Float(1), Count: 1}},
		Status:   tile.StatusReady,
	}
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New(nil)
	require.NoError(t, s.InitSystem("cpu", 100, original))
	return s
}

func TestInitSystem(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.InitSystem("cpu", 10, original), "same range adds a level")
	assert.Equal(t, []int64{10, 100}, s.Buckets("cpu"))

	err := s.InitSystem("cpu", 100, tile.Interval{FromMs: 0, ToMs: 2000})
	assert.True(t, errors.Is(err, ErrRangeChanged))

	err = s.InitSystem("mem", 100, tile.Interval{FromMs: 5, ToMs: 5})
	assert.True(t, errors.Is(err, tile.ErrInvalidInterval))

	err = s.InitSystem("mem", 0, original)
	assert.True(t, errors.Is(err, ErrInvalidBucket))
}

func TestAddTile_UnknownField(t *testing.T) {
	s := New(nil)
	_, err := s.AddTile("nope", 100, readyTile(0, 10), tile.Options{})
	assert.True(t, errors.Is(err, ErrUnknownField))
}

func TestAddTile_OutsideRangeIsIgnored(t *testing.T) {
	s := newStore(t)

	res, err := s.AddTile("cpu", 100, readyTile(900, 1100), tile.Options{})
	require.NoError(t, err)
	assert.False(t, res.WasAdded)

	tiles, ok := s.Tiles("cpu", 100)
	require.True(t, ok)
	assert.Empty(t, tiles)
}

func TestAddTile_ContractErrorLeavesSlotUntouched(t *testing.T) {
	s := newStore(t)
	_, err := s.AddTile("cpu", 100, readyTile(0, 500), tile.Options{})
	require.NoError(t, err)

	_, err = s.AddTile("cpu", 100, readyTile(0, 500), tile.Options{Strategy: tile.StrategyThrow})
	require.ErrorIs(t, err, tile.ErrDataLoss)

	tiles, _ := s.Tiles("cpu", 100)
	require.Len(t, tiles, 1)
}

func TestReadsReturnCopies(t *testing.T) {
	s := newStore(t)
	_, err := s.AddTile("cpu", 100, readyTile(0, 500), tile.Options{})
	require.NoError(t, err)

	tiles, _ := s.Tiles("cpu", 100)
	tiles[0].Bins[0].Count = 99
	tiles[0].Status = tile.StatusError

	again, _ := s.Tiles("cpu", 100)
	assert.Equal(t, int64(1), again[0].Bins[0].Count)
	assert.Equal(t, tile.StatusReady, again[0].Status)
}

func TestUpdateAndRemove(t *testing.T) {
	s := newStore(t)
	iv := tile.Interval{FromMs: 0, ToMs: 200}
	_, err := s.AddTile("cpu", 100, tile.Tile{Interval: iv, Status: tile.StatusLoading, RequestID: "r1"}, tile.Options{})
	require.NoError(t, err)

	n, err := s.UpdateTileStatus("cpu", 100, iv, tile.StatusError, "boom")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := s.RemoveTile("cpu", 100, 7)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.RemoveTile("cpu", 100, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	tiles, _ := s.Tiles("cpu", 100)
	assert.Empty(t, tiles)
}

func TestRemoveByRequestID(t *testing.T) {
	s := newStore(t)
	for i, id := range []string{"a", "b", "a"} {
		from := int64(i) * 100
		_, err := s.AddTile("cpu", 100, tile.Tile{
			Interval:  tile.Interval{FromMs: from, ToMs: from + 100},
			Status:    tile.StatusLoading,
			RequestID: id,
		}, tile.Options{})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, s.RemoveByRequestID("cpu", 100, "a"))
	tiles, _ := s.Tiles("cpu", 100)
	require.Len(t, tiles, 1)
	assert.Equal(t, "b", tiles[0].RequestID)
}

func TestReplaceTiles(t *testing.T) {
	s := newStore(t)

	err := s.ReplaceTiles("cpu", 100, []tile.Tile{readyTile(500, 600), readyTile(0, 100)})
	require.NoError(t, err)
	tiles, _ := s.Tiles("cpu", 100)
	assert.Equal(t, int64(0), tiles[0].Interval.FromMs, "replacement is sorted")

	err = s.ReplaceTiles("cpu", 100, []tile.Tile{readyTile(0, 100), readyTile(50, 150)})
	assert.ErrorIs(t, err, tile.ErrOverlap)

	err = s.ReplaceTiles("cpu", 100, []tile.Tile{readyTile(900, 1200)})
	assert.ErrorIs(t, err, ErrOutsideRange)
}

func TestClearErrors(t *testing.T) {
	s := newStore(t)
	iv := tile.Interval{FromMs: 0, ToMs: 100}
	_, err := s.AddTile("cpu", 100, tile.Tile{Interval: iv, Status: tile.StatusLoading}, tile.Options{})
	require.NoError(t, err)
	_, err = s.UpdateTileStatus("cpu", 100, iv, tile.StatusError, "boom")
	require.NoError(t, err)

	assert.Equal(t, 0, s.ClearErrors(time.Hour), "fresh errors stay")
	assert.Equal(t, 1, s.ClearErrors(0))
}

func TestClearErrors_UsesFailedAt(t *testing.T) {
	s := newStore(t)
	now := time.Now().UnixMilli()
	_, err := s.AddTile("cpu", 100, tile.Tile{
		Interval: tile.Interval{FromMs: 0, ToMs: 100},
		Status:   tile.StatusError,
		LoadedAt: now,
		FailedAt: now - time.Hour.Milliseconds(),
	}, tile.Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, s.ClearErrors(time.Minute), "an old failure expires whatever LoadedAt says")
}

func TestUpdateByRequestID(t *testing.T) {
	s := newStore(t)
	_, err := s.AddTile("cpu", 100, tile.Tile{
		Interval:  tile.Interval{FromMs: 0, ToMs: 400},
		Status:    tile.StatusLoading,
		RequestID: "req",
	}, tile.Options{})
	require.NoError(t, err)
	_, err = s.AddTile("cpu", 100, readyTile(0, 200), tile.Options{})
	require.NoError(t, err)

	n, err := s.UpdateByRequestID("cpu", 100, "req", tile.Interval{FromMs: 0, ToMs: 400}, tile.StatusError, "boom")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tiles, _ := s.Tiles("cpu", 100)
	require.Len(t, tiles, 2)
	assert.Equal(t, tile.Interval{FromMs: 200, ToMs: 400}, tiles[1].Interval)
	assert.Equal(t, tile.StatusError, tiles[1].Status)

	_, err = s.UpdateByRequestID("nope", 100, "req", tile.Interval{FromMs: 0, ToMs: 400}, tile.StatusError, "boom")
	assert.Error(t, err)
}

func TestClearFieldAndAll(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.InitSystem("mem", 100, original))

	s.ClearField("cpu")
	assert.Equal(t, []string{"mem"}, s.Fields())

	s.ClearAll()
	assert.Empty(t, s.Fields())

	_, ok := s.Original("mem")
	assert.False(t, ok)
}

func TestSubscribe(t *testing.T) {
	s := newStore(t)
	events, cancel := s.Subscribe(8)

	_, err := s.AddTile("cpu", 100, readyTile(0, 100), tile.Options{})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, EventTilesChanged, ev.Type)
		assert.Equal(t, "cpu", ev.Field)
		assert.Equal(t, int64(100), ev.BucketMs)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	cancel()
	_, open := <-events
	assert.False(t, open)
	cancel()
}

func TestConcurrentAddKeepsInvariant(t *testing.T) {
	s := newStore(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				from := int64((w*37 + i*13) % 900)
				_, err := s.AddTile("cpu", 100, readyTile(from, from+100), tile.Options{Strategy: tile.StrategyMerge})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	tiles, _ := s.Tiles("cpu", 100)
	require.NoError(t, tile.CheckInvariant(tiles))
}
