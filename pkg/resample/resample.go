package resample

import (
	"math"
	"sort"

	"github.com/nicktill/tileproxy/pkg/tile"
)

// aggregate accumulates the bins that fall into one target bucket.
// Avg is the mean of member averages, so re-aggregating aggregates stays
// stable as long as members share a bucket width.
type aggregate struct {
	t     int64
	sum   float64
	n     int
	min   *float64
	max   *float64
	count int64
}

func (a *aggregate) add(b tile.Bin) {
	if b.Avg != nil {
		a.sum += *b.Avg
		a.n++
	}
	if b.Min != nil && (a.min == nil || *b.Min < *a.min) {
		a.min = tile.Float(*b.Min)
	}
	if b.Max != nil && (a.max == nil || *b.Max > *a.max) {
		a.max = tile.Float(*b.Max)
	}
	a.count += b.Count
}

func (a *aggregate) bin() (tile.Bin, bool) {
	if a.n == 0 {
		return tile.Bin{}, false
	}
	return tile.Bin{
		T:     a.t,
		Avg:   tile.Float(a.sum / float64(a.n)),
		Min:   a.min,
		Max:   a.max,
		Count: a.count,
	}, true
}

// Downsample groups bins into targetBucketMs buckets aligned to
// floor(t/target)*target. Groups without a single non-null average are
// dropped. The result is sorted and never nil.
func Downsample(bins []tile.Bin, targetBucketMs int64) []tile.Bin {
	if targetBucketMs <= 0 {
		return tile.MergeBins(bins)
	}

	buckets := make(map[int64]*aggregate)
	for _, b := range bins {
		key := AlignDown(b.T, targetBucketMs)
		agg, exists := buckets[key]
		if !exists {
			agg = &aggregate{t: key}
			buckets[key] = agg
		}
		agg.add(b)
	}

	out := make([]tile.Bin, 0, len(buckets))
	for _, agg := range buckets {
		if b, ok := agg.bin(); ok {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].T < out[j].T
	})
	return out
}

// Upsample linearly interpolates between consecutive source bins, emitting
// round(source/target) points per source interval. The last source bin is
// passed through as is and everything is clipped to rng. Pairs further apart
// than one source bucket, or with a null average on either side, are not
// interpolated across.
func Upsample(bins []tile.Bin, sourceBucketMs, targetBucketMs int64, rng tile.Interval) []tile.Bin {
	sorted := tile.MergeBins(bins)
	if len(sorted) == 0 || sourceBucketMs <= 0 || targetBucketMs <= 0 {
		return clip(sorted, rng)
	}

	steps := int64(math.Round(float64(sourceBucketMs) / float64(targetBucketMs)))
	if steps < 1 {
		steps = 1
	}

	out := make([]tile.Bin, 0, len(sorted)*int(steps))
	for i := 0; i < len(sorted)-1; i++ {
		a, b := sorted[i], sorted[i+1]
		out = append(out, a)

		dt := b.T - a.T
		if dt > sourceBucketMs || a.Avg == nil || b.Avg == nil {
			continue
		}
		for k := int64(1); k < steps; k++ {
			t := a.T + k*dt/steps
			if t <= a.T || t >= b.T {
				continue
			}
			out = append(out, interpolate(a, b, t))
		}
	}
	out = append(out, sorted[len(sorted)-1])

	return clip(out, rng)
}

// Snap moves every bin to round(t/target)*target, keeping the higher-count bin
// when two land on the same timestamp.
func Snap(bins []tile.Bin, targetBucketMs int64) []tile.Bin {
	if targetBucketMs <= 0 {
		return tile.MergeBins(bins)
	}
	snapped := make([]tile.Bin, len(bins))
	for i, b := range bins {
		b.T = AlignNearest(b.T, targetBucketMs)
		snapped[i] = b
	}
	return tile.MergeBins(snapped)
}

// AlignDown returns floor(t/bucket)*bucket, correct for negative t.
func AlignDown(t, bucket int64) int64 {
	q := t / bucket
	if t%bucket != 0 && t < 0 {
		q--
	}
	return q * bucket
}

// AlignNearest returns round(t/bucket)*bucket.
func AlignNearest(t, bucket int64) int64 {
	return int64(math.Round(float64(t)/float64(bucket))) * bucket
}

func interpolate(a, b tile.Bin, t int64) tile.Bin {
	frac := float64(t-a.T) / float64(b.T-a.T)
	out := tile.Bin{
		T:     t,
		Avg:   lerp(a.Avg, b.Avg, frac),
		Min:   lerp(a.Min, b.Min, frac),
		Max:   lerp(a.Max, b.Max, frac),
		Count: int64(math.Round(float64(a.Count) + float64(b.Count-a.Count)*frac)),
	}
	return out
}

func lerp(a, b *float64, frac float64) *float64 {
	if a == nil || b == nil {
		return nil
	}
	return tile.Float(*a + (*b-*a)*frac)
}

func clip(bins []tile.Bin, rng tile.Interval) []tile.Bin {
	if !rng.Valid() {
		return bins
	}
	return tile.BinsWithin(bins, rng)
}
