package server

import (
	"errors"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tileproxy/pkg/source/badger"
	"github.com/nicktill/tileproxy/pkg/source/memory"
	"github.com/nicktill/tileproxy/pkg/tile"
)

type fakeGC struct {
	calls int
	err   error
}

func (f *fakeGC) RunGC(float64) error {
	f.calls++
	return f.err
}

func TestNewScheduler_Jobs(t *testing.T) {
	charts, _ := newCharts(t)

	s, err := NewScheduler(memory.New(), charts, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Jobs(), "memory source has no gc job")

	src, err := badger.New(badger.Config{InMemory: true})
	require.NoError(t, err)
	defer src.Close()

	s, err = NewScheduler(src, charts, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Jobs())

	s.Start()
	s.Stop()
}

func TestScheduler_RunGC(t *testing.T) {
	s, err := NewScheduler(memory.New(), nil, nil)
	require.NoError(t, err)

	for _, gcErr := range []error{nil, badgerdb.ErrNoRewrite, errors.New("disk gone")} {
		gc := &fakeGC{err: gcErr}
		s.runGC(gc)
		assert.Equal(t, 1, gc.calls)
	}
}

func TestScheduler_ExpireErrors(t *testing.T) {
	charts, _ := newCharts(t)
	session, err := charts.GetOrCreate("main")
	require.NoError(t, err)
	require.NoError(t, session.InitSystem("cpu", 1_000, tile.Interval{FromMs: 0, ToMs: 10_000}))
	_, err = session.AddTile("cpu", 1_000, tile.Tile{
		Interval: tile.Interval{FromMs: 0, ToMs: 1_000},
		Status:   tile.StatusError,
		Error:    "timeout",
		FailedAt: time.Now().UnixMilli(),
	})
	require.NoError(t, err)

	s, err := NewScheduler(memory.New(), charts, nil)
	require.NoError(t, err)

	// Fresh errors survive the TTL
	s.expireErrors(charts)
	stats, err := session.GetStats("cpu", 1_000)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ErrorTiles)
}
