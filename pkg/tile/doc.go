// Package tile implements the coverage and cache engine for chart data.
//
// A tile is a half-open time interval at one resolution, either loading,
// ready with bins, or failed. For a given field and resolution the tiles form
// a sorted, non-overlapping array inside the field's original range. Every
// function here is pure: it takes the current array and returns a new one.
//
// # Inserting tiles
//
// AddTile classifies each existing tile against the incoming interval:
//
//	none      existing does not overlap, kept
//	full      existing lies inside the new tile, dropped
//	contains  new tile lies strictly inside existing, existing split in two
//	partial   edges overlap, existing trimmed
//
// Ready bins displaced by an insert are handled by the Strategy option.
//
// # Coverage
//
// FindGaps sweeps ready tiles over a target interval and reports the covered
// percentage and the missing sub-intervals:
//
//	res := tile.FindGaps(original, tiles, &visible)
//	if !res.HasFull {
//	    gap, _ := tile.FindUnifiedGap(res)
//	    // fetch gap
//	}
package tile
