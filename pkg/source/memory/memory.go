package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nicktill/tileproxy/pkg/source"
	"github.com/nicktill/tileproxy/pkg/tile"
)

// Source stores bins in memory. Data is lost on restart.
// Useful for testing and development.
type Source struct {
	fields map[string][]tile.Bin
	mu     sync.RWMutex
}

// New creates an in-memory bin source
func New() *Source {
	return &Source{
		fields: make(map[string][]tile.Bin),
	}
}

// Write stores bins in memory
func (s *Source) Write(ctx context.Context, field string, bins []tile.Bin) error {
	bins, err := source.ValidateWrite(field, bins)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Incoming bins first so equal counts overwrite
	s.fields[field] = tile.MergeBins(bins, s.fields[field])
	return nil
}

// Query aggregates the bins of field inside iv
func (s *Source) Query(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error) {
	if err := source.ValidateQuery(field, iv, bucketMs); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.fields[field]
	lo := sort.Search(len(stored), func(i int) bool { return stored[i].T >= iv.FromMs })
	hi := sort.Search(len(stored), func(i int) bool { return stored[i].T >= iv.ToMs })
	return source.Aggregate(stored[lo:hi], iv, bucketMs), nil
}

// Fields lists the stored field names
func (s *Source) Fields(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes bins older than beforeMs
func (s *Source) Delete(ctx context.Context, field string, beforeMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, bins := range s.fields {
		if field != "" && name != field {
			continue
		}
		idx := sort.Search(len(bins), func(i int) bool { return bins[i].T >= beforeMs })
		if idx == len(bins) {
			delete(s.fields, name)
			continue
		}
		s.fields[name] = append([]tile.Bin(nil), bins[idx:]...)
	}
	return nil
}

// Close is a no-op for memory storage
func (s *Source) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Source) Stats(ctx context.Context) (*source.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &source.Stats{
		TotalFields: uint64(len(s.fields)),
	}

	first := true
	for _, bins := range s.fields {
		stats.TotalBins += uint64(len(bins))
		if len(bins) == 0 {
			continue
		}
		oldest, newest := bins[0].T, bins[len(bins)-1].T
		if first || oldest < stats.OldestMs {
			stats.OldestMs = oldest
		}
		if first || newest > stats.NewestMs {
			stats.NewestMs = newest
		}
		first = false
	}

	// Rough size estimate (each bin ~40 bytes)
	stats.SizeBytes = stats.TotalBins * 40

	return stats, nil
}
