package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/nicktill/tileproxy/pkg/source"
	"github.com/nicktill/tileproxy/pkg/tile"
)

func samples(from, to, step int64, v float64) []tile.Bin {
	var bins []tile.Bin
	for t := from; t < to; t += step {
		bins = append(bins, tile.Bin{T: t, Avg: tile.Float(v)})
	}
	return bins
}

func TestMemorySource_WriteAndQuery(t *testing.T) {
	src := New()
	defer src.Close()

	ctx := context.Background()

	// One sample per second for ten minutes
	if err := src.Write(ctx, "cpu", samples(0, 600_000, 1_000, 2)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	bins, err := src.Query(ctx, "cpu", tile.Interval{FromMs: 0, ToMs: 600_000}, 60_000)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	if len(bins) != 10 {
		t.Fatalf("Expected 10 minute bins, got %d", len(bins))
	}
	for i, b := range bins {
		if b.T != int64(i)*60_000 {
			t.Errorf("bin %d: expected T=%d, got %d", i, int64(i)*60_000, b.T)
		}
		if b.Count != 60 {
			t.Errorf("bin %d: expected count 60, got %d", i, b.Count)
		}
		if b.Avg == nil || *b.Avg != 2 {
			t.Errorf("bin %d: expected avg 2, got %v", i, b.Avg)
		}
		if b.Min == nil || *b.Min != 2 || b.Max == nil || *b.Max != 2 {
			t.Errorf("bin %d: expected min=max=2", i)
		}
	}
}

func TestMemorySource_QueryClipsToInterval(t *testing.T) {
	src := New()
	ctx := context.Background()

	if err := src.Write(ctx, "cpu", samples(0, 600_000, 1_000, 1)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	bins, err := src.Query(ctx, "cpu", tile.Interval{FromMs: 90_000, ToMs: 180_000}, 60_000)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	// [90s,120s) lands in the 60s bucket with half its samples
	if len(bins) != 2 {
		t.Fatalf("Expected 2 bins, got %d", len(bins))
	}
	if bins[0].T != 60_000 || bins[0].Count != 30 {
		t.Errorf("Expected partial bucket at 60000 with 30 samples, got T=%d count=%d", bins[0].T, bins[0].Count)
	}
}

func TestMemorySource_Overwrite(t *testing.T) {
	src := New()
	ctx := context.Background()

	src.Write(ctx, "cpu", []tile.Bin{{T: 1_000, Avg: tile.Float(1)}})
	src.Write(ctx, "cpu", []tile.Bin{{T: 1_000, Avg: tile.Float(5)}})

	bins, err := src.Query(ctx, "cpu", tile.Interval{FromMs: 0, ToMs: 60_000}, 60_000)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(bins) != 1 || *bins[0].Avg != 5 || bins[0].Count != 1 {
		t.Errorf("Expected latest sample to win, got %+v", bins)
	}
}

func TestMemorySource_Validation(t *testing.T) {
	src := New()
	ctx := context.Background()

	if err := src.Write(ctx, "", samples(0, 10, 1, 1)); !errors.Is(err, source.ErrFieldEmpty) {
		t.Errorf("Expected ErrFieldEmpty, got %v", err)
	}
	if err := src.Write(ctx, "cpu", []tile.Bin{{T: 0, Count: -1}}); !errors.Is(err, source.ErrNegativeCount) {
		t.Errorf("Expected ErrNegativeCount, got %v", err)
	}
	if _, err := src.Query(ctx, "cpu", tile.Interval{FromMs: 10, ToMs: 10}, 1); !errors.Is(err, tile.ErrInvalidInterval) {
		t.Errorf("Expected ErrInvalidInterval, got %v", err)
	}
	if _, err := src.Query(ctx, "cpu", tile.Interval{FromMs: 0, ToMs: 10}, 0); !errors.Is(err, source.ErrInvalidBucket) {
		t.Errorf("Expected ErrInvalidBucket, got %v", err)
	}
	if _, err := src.Query(ctx, "cpu", tile.Interval{FromMs: 0, ToMs: 1_000_000_000}, 1); !errors.Is(err, source.ErrQueryTooLarge) {
		t.Errorf("Expected ErrQueryTooLarge, got %v", err)
	}
}

func TestMemorySource_DeleteAndStats(t *testing.T) {
	src := New()
	ctx := context.Background()

	src.Write(ctx, "cpu", samples(0, 10_000, 1_000, 1))
	src.Write(ctx, "mem", samples(0, 5_000, 1_000, 1))

	stats, err := src.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalBins != 15 || stats.TotalFields != 2 {
		t.Errorf("Expected 15 bins in 2 fields, got %d in %d", stats.TotalBins, stats.TotalFields)
	}
	if stats.OldestMs != 0 || stats.NewestMs != 9_000 {
		t.Errorf("Expected range [0,9000], got [%d,%d]", stats.OldestMs, stats.NewestMs)
	}

	if err := src.Delete(ctx, "cpu", 5_000); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := src.Delete(ctx, "", 10_000); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	fields, _ := src.Fields(ctx)
	if len(fields) != 0 {
		t.Errorf("Expected every field deleted, got %v", fields)
	}
}
