// Package selector derives read-only views from a level's tile array.
package selector

import "github.com/nicktill/tileproxy/pkg/tile"

// Stats summarizes one (field, bucket) slot.
type Stats struct {
	TotalTiles   int     `json:"total_tiles"`
	ReadyTiles   int     `json:"ready_tiles"`
	LoadingTiles int     `json:"loading_tiles"`
	ErrorTiles   int     `json:"error_tiles"`
	TotalBins    int     `json:"total_bins"`
	Coverage     float64 `json:"coverage"`
}

// Coverage measures ready coverage of target, or of the whole original range
// when target is nil.
func Coverage(original tile.Interval, tiles []tile.Tile, target *tile.Interval) tile.CoverageResult {
	return tile.FindGaps(original, tiles, target)
}

// HasLoadingInRange reports whether any loading tile overlaps rng.
func HasLoadingInRange(tiles []tile.Tile, rng tile.Interval) bool {
	for _, t := range tiles {
		if t.Status == tile.StatusLoading && t.Interval.Overlaps(rng) {
			return true
		}
	}
	return false
}

// LoadingRequests returns the distinct request ids of loading tiles that
// overlap rng, in tile order.
func LoadingRequests(tiles []tile.Tile, rng tile.Interval) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, t := range tiles {
		if t.Status != tile.StatusLoading || t.RequestID == "" || !t.Interval.Overlaps(rng) {
			continue
		}
		if !seen[t.RequestID] {
			seen[t.RequestID] = true
			out = append(out, t.RequestID)
		}
	}
	return out
}

// ComputeStats counts tiles by status and reports coverage of the original range.
func ComputeStats(original tile.Interval, tiles []tile.Tile) Stats {
	st := Stats{TotalTiles: len(tiles)}
	for _, t := range tiles {
		switch t.Status {
		case tile.StatusReady:
			st.ReadyTiles++
			st.TotalBins += len(t.Bins)
		case tile.StatusLoading:
			st.LoadingTiles++
		case tile.StatusError:
			st.ErrorTiles++
		}
	}
	st.Coverage = tile.FindGaps(original, tiles, nil).Coverage
	return st
}
