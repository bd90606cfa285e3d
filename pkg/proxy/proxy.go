package proxy

import (
	"sort"

	"github.com/nicktill/tileproxy/pkg/config"
	"github.com/nicktill/tileproxy/pkg/resample"
	"github.com/nicktill/tileproxy/pkg/tile"
)

// Quality tags how render data relates to the requested resolution.
type Quality string

const (
	QualityExact        Quality = "exact"
	QualityInterpolated Quality = "interpolated"
	QualityUpsampled    Quality = "upsampled"
	QualityDownsampled  Quality = "downsampled"
	QualityNone         Quality = "none"
)

// Thresholds tune the degradation policy. Coverages are percentages, ratios
// are target bucket / source bucket.
type Thresholds struct {
	Exact      float64
	Stale      float64
	Downsample float64
	Upsample   float64
}

// DefaultThresholds returns the configured policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Exact:      config.ExactCoverageThreshold,
		Stale:      config.StaleCoverageThreshold,
		Downsample: config.DownsampleRatio,
		Upsample:   config.UpsampleRatio,
	}
}

// Request describes the data a chart wants to draw.
type Request struct {
	TargetBucketMs int64
	Range          tile.Interval
	Original       tile.Interval

	// Levels maps bucket width to that level's tile array.
	Levels map[int64][]tile.Tile

	// AvailableBuckets restricts which levels may serve as a fallback.
	// Empty means every key of Levels.
	AvailableBuckets []int64
}

// Result is render-ready data. Coverage and Gaps describe the level the data
// came from; for QualityNone they describe the target level.
type Result struct {
	Data           []tile.Bin      `json:"data"`
	Quality        Quality         `json:"quality"`
	Coverage       float64         `json:"coverage"`
	SourceBucketMs int64           `json:"source_bucket_ms"`
	IsStale        bool            `json:"is_stale"`
	Gaps           []tile.Interval `json:"gaps"`
}

// Service selects the best available data for a viewport. It holds no state
// besides its thresholds and is safe for concurrent use.
type Service struct {
	thresholds Thresholds
}

// NewService creates a service with the default thresholds.
func NewService() Service {
	return Service{thresholds: DefaultThresholds()}
}

// WithThresholds returns a copy of s using t.
func (s Service) WithThresholds(t Thresholds) Service {
	s.thresholds = t
	return s
}

// Thresholds returns the active policy.
func (s Service) Thresholds() Thresholds {
	return s.thresholds
}

// SelectOptimalData picks exact data when the target level is covered well
// enough, otherwise the nearest level that is, resampled to the target
// bucket. Data and Gaps are never nil.
func (s Service) SelectOptimalData(req Request) Result {
	rng := req.Range
	if req.Original.Valid() {
		clipped, ok := rng.Intersect(req.Original)
		if !ok {
			return none(tile.CoverageResult{Gaps: []tile.Interval{}})
		}
		rng = clipped
	}

	target := tile.FindGaps(req.Original, req.Levels[req.TargetBucketMs], &rng)
	if target.Coverage >= s.thresholds.Exact {
		return Result{
			Data:           readyBins(req.Levels[req.TargetBucketMs], rng),
			Quality:        QualityExact,
			Coverage:       target.Coverage,
			SourceBucketMs: req.TargetBucketMs,
			IsStale:        false,
			Gaps:           target.Gaps,
		}
	}

	for _, bucket := range rankAlternatives(req) {
		cov := tile.FindGaps(req.Original, req.Levels[bucket], &rng)
		if cov.Coverage < s.thresholds.Stale {
			continue
		}

		data, quality := s.convert(readyBins(req.Levels[bucket], rng), bucket, req.TargetBucketMs, rng)
		return Result{
			Data:           data,
			Quality:        quality,
			Coverage:       cov.Coverage,
			SourceBucketMs: bucket,
			IsStale:        true,
			Gaps:           cov.Gaps,
		}
	}

	return none(target)
}

func (s Service) convert(bins []tile.Bin, source, target int64, rng tile.Interval) ([]tile.Bin, Quality) {
	ratio := float64(target) / float64(source)
	switch {
	case ratio > s.thresholds.Downsample:
		return resample.Downsample(bins, target), QualityDownsampled
	case ratio < s.thresholds.Upsample:
		return resample.Upsample(bins, source, target, rng), QualityUpsampled
	default:
		return resample.Snap(bins, target), QualityInterpolated
	}
}

// rankAlternatives orders candidate levels by distance from the target bucket,
// finer first on ties. The target itself is never a candidate.
func rankAlternatives(req Request) []int64 {
	buckets := req.AvailableBuckets
	if len(buckets) == 0 {
		buckets = make([]int64, 0, len(req.Levels))
		for b := range req.Levels {
			buckets = append(buckets, b)
		}
	}

	out := make([]int64, 0, len(buckets))
	seen := make(map[int64]bool, len(buckets))
	for _, b := range buckets {
		if b <= 0 || b == req.TargetBucketMs || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}

	sort.Slice(out, func(i, j int) bool {
		di, dj := distance(out[i], req.TargetBucketMs), distance(out[j], req.TargetBucketMs)
		if di != dj {
			return di < dj
		}
		return out[i] < out[j]
	})
	return out
}

func distance(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

// readyBins collects the bins of ready tiles that fall inside rng.
func readyBins(tiles []tile.Tile, rng tile.Interval) []tile.Bin {
	sets := make([][]tile.Bin, 0, len(tiles))
	for _, t := range tiles {
		if !t.IsReady() || !t.Interval.Overlaps(rng) {
			continue
		}
		sets = append(sets, tile.BinsWithin(t.Bins, rng))
	}
	return tile.MergeBins(sets...)
}

func none(target tile.CoverageResult) Result {
	gaps := target.Gaps
	if gaps == nil {
		gaps = []tile.Interval{}
	}
	return Result{
		Data:     []tile.Bin{},
		Quality:  QualityNone,
		Coverage: target.Coverage,
		Gaps:     gaps,
	}
}
