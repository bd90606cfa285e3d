package source

import (
	"context"

	"github.com/nicktill/tileproxy/pkg/resample"
	"github.com/nicktill/tileproxy/pkg/tile"
)

// Source defines the interface for bin storage backends that answer tile
// fetches. Implementations: memory (testing), badger (production).
type Source interface {
	// Write stores raw bins for field. A bin with the same timestamp as a
	// stored one replaces it unless the stored bin has a higher count.
	Write(ctx context.Context, field string, bins []tile.Bin) error

	// Query returns the bins of field inside iv aggregated to bucketMs
	Query(ctx context.Context, field string, iv tile.Interval, bucketMs int64) ([]tile.Bin, error)

	// Fields lists the stored field names, sorted
	Fields(ctx context.Context) ([]string, error)

	// Delete removes bins of field older than beforeMs. An empty field
	// applies to every field.
	Delete(ctx context.Context, field string, beforeMs int64) error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the backend
	Close() error
}

// Stats provides storage health and usage info
type Stats struct {
	TotalBins   uint64 `json:"total_bins"`
	TotalFields uint64 `json:"total_fields"`
	SizeBytes   uint64 `json:"size_bytes"`
	OldestMs    int64  `json:"oldest_ms,omitempty"`
	NewestMs    int64  `json:"newest_ms,omitempty"`
}

// Aggregate clips bins to iv and groups them into bucketMs buckets. Backends
// share it so every source answers with the same bucket alignment.
func Aggregate(bins []tile.Bin, iv tile.Interval, bucketMs int64) []tile.Bin {
	return resample.Downsample(tile.BinsWithin(bins, iv), bucketMs)
}
