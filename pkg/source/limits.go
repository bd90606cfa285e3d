package source

import (
	"fmt"

	"github.com/nicktill/tileproxy/pkg/config"
	"github.com/nicktill/tileproxy/pkg/tile"
)

var (
	// ErrFieldEmpty is returned when a field name is empty
	ErrFieldEmpty = fmt.Errorf("field name cannot be empty")

	// ErrFieldTooLong is returned when a field name is too long
	ErrFieldTooLong = fmt.Errorf("field name too long (max %d chars)", config.MaxFieldNameLength)

	// ErrTooManyBins is returned when a write contains too many bins
	ErrTooManyBins = fmt.Errorf("too many bins in request (max %d)", config.MaxBinsPerRequest)

	// ErrQueryTooLarge is returned when a query would produce too many buckets
	ErrQueryTooLarge = fmt.Errorf("query too large (max %d buckets)", config.MaxBinsPerQuery)

	// ErrQuerySpanTooLong is returned when a query covers too much time
	ErrQuerySpanTooLong = fmt.Errorf("query span too long (max %s)", config.MaxQuerySpan)

	// ErrInvalidBucket is returned for non-positive bucket widths
	ErrInvalidBucket = fmt.Errorf("bucket must be positive")

	// ErrNegativeCount is returned for bins with a negative count
	ErrNegativeCount = fmt.Errorf("bin count cannot be negative")
)

// ValidateField checks a field name against the limits.
func ValidateField(field string) error {
	if field == "" {
		return ErrFieldEmpty
	}
	if len(field) > config.MaxFieldNameLength {
		return fmt.Errorf("%w: %d chars", ErrFieldTooLong, len(field))
	}
	return nil
}

// ValidateWrite checks a write request and returns the bins ready to store.
// A raw sample carrying only a value is counted once, with min and max equal
// to the value.
func ValidateWrite(field string, bins []tile.Bin) ([]tile.Bin, error) {
	if err := ValidateField(field); err != nil {
		return nil, err
	}
	if len(bins) > config.MaxBinsPerRequest {
		return nil, fmt.Errorf("%w: got %d", ErrTooManyBins, len(bins))
	}

	out := make([]tile.Bin, len(bins))
	for i, b := range bins {
		if b.Count < 0 {
			return nil, fmt.Errorf("%w: t=%d", ErrNegativeCount, b.T)
		}
		if b.Avg != nil {
			if b.Count == 0 {
				b.Count = 1
			}
			if b.Min == nil {
				b.Min = tile.Float(*b.Avg)
			}
			if b.Max == nil {
				b.Max = tile.Float(*b.Avg)
			}
		}
		out[i] = b
	}
	return out, nil
}

// ValidateQuery checks a query request.
func ValidateQuery(field string, iv tile.Interval, bucketMs int64) error {
	if err := ValidateField(field); err != nil {
		return err
	}
	if !iv.Valid() {
		return fmt.Errorf("query %s: %w", iv, tile.ErrInvalidInterval)
	}
	if bucketMs <= 0 {
		return ErrInvalidBucket
	}
	if iv.Span() > config.MaxQuerySpan.Milliseconds() {
		return fmt.Errorf("%w: %s", ErrQuerySpanTooLong, iv)
	}
	if buckets := iv.Span() / bucketMs; buckets > config.MaxBinsPerQuery {
		return fmt.Errorf("%w: %d requested", ErrQueryTooLarge, buckets)
	}
	return nil
}
