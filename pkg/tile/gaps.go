package tile

import "github.com/nicktill/tileproxy/pkg/config"

// FindGaps reports how much of target is covered by ready tiles and which
// sub-intervals are missing. A nil target measures the whole original range.
func FindGaps(original Interval, tiles []Tile, target *Interval) CoverageResult {
	return FindGapsFunc(original, tiles, target, Tile.IsReady)
}

// FindGapsFunc is FindGaps with a custom predicate deciding which tiles count
// as covered. tiles must already be sorted and non-overlapping.
func FindGapsFunc(original Interval, tiles []Tile, target *Interval, counts func(Tile) bool) CoverageResult {
	span := original
	if target != nil {
		span = *target
	}
	if !span.Valid() {
		return CoverageResult{Coverage: 100, Gaps: []Interval{}, HasFull: true}
	}

	gaps := make([]Interval, 0)
	var covered int64
	cursor := span.FromMs

	for _, t := range tiles {
		if !counts(t) {
			continue
		}
		clip, ok := t.Interval.Intersect(span)
		if !ok {
			continue
		}
		if clip.FromMs > cursor {
			gaps = append(gaps, Interval{FromMs: cursor, ToMs: clip.FromMs})
		}
		if clip.ToMs > cursor {
			covered += clip.ToMs - max(clip.FromMs, cursor)
			cursor = clip.ToMs
		}
	}
	if cursor < span.ToMs {
		gaps = append(gaps, Interval{FromMs: cursor, ToMs: span.ToMs})
	}

	coverage := float64(covered) / float64(span.Span()) * 100
	coverage = min(max(coverage, 0), 100)

	return CoverageResult{
		Coverage: coverage,
		Gaps:     gaps,
		HasFull:  coverage >= config.FullCoverageTolerance,
	}
}

// FindUnifiedGap collapses all gaps into a single interval from the first gap
// start to the last gap end. ok is false when there are no gaps.
func FindUnifiedGap(res CoverageResult) (Interval, bool) {
	if len(res.Gaps) == 0 {
		return Interval{}, false
	}
	return Interval{
		FromMs: res.Gaps[0].FromMs,
		ToMs:   res.Gaps[len(res.Gaps)-1].ToMs,
	}, true
}
