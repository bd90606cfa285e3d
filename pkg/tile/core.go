package tile

import (
	"fmt"
	"sort"
	"time"
)

// Strategy decides what happens to ready bins displaced by an incoming tile.
type Strategy string

const (
	StrategyReplace Strategy = "replace" // discard displaced bins (default)
	StrategyMerge   Strategy = "merge"   // fold displaced bins into the incoming tile
	StrategyThrow   Strategy = "throw"   // fail with ErrDataLoss
)

// Options configures AddTile.
type Options struct {
	Strategy Strategy

	// Validate turns invalid intervals into errors and asserts the
	// non-overlap invariant on the result.
	Validate bool
}

// IgnoreReason explains why AddTile left the array untouched.
type IgnoreReason string

const (
	IgnoredNone         IgnoreReason = ""
	IgnoredInvalid      IgnoreReason = "invalid_interval"
	IgnoredOutsideRange IgnoreReason = "outside_original_range"
)

// AddResult is the outcome of AddTile.
type AddResult struct {
	Tiles     []Tile
	WasAdded  bool
	WasMerged bool

	// AffectedIndices lists positions in the input array that were dropped,
	// split or trimmed.
	AffectedIndices []int

	Ignored IgnoreReason
}

type relation int

const (
	relNone     relation = iota
	relFull              // existing entirely inside incoming
	relContains          // incoming strictly inside existing
	relPartial           // overlap on one edge
)

func classify(existing, incoming Interval) relation {
	switch {
	case !existing.Overlaps(incoming):
		return relNone
	case incoming.Covers(existing):
		return relFull
	case existing.FromMs < incoming.FromMs && incoming.ToMs < existing.ToMs:
		return relContains
	default:
		return relPartial
	}
}

// AddTile inserts newTile into tiles, resolving every overlap so the result
// stays sorted and non-overlapping. The input slice is not modified; bin slices
// of untouched tiles are shared with the result and must be treated as
// immutable.
func AddTile(original Interval, tiles []Tile, newTile Tile, opts Options) (AddResult, error) {
	if opts.Validate {
		if !original.Valid() {
			return AddResult{}, fmt.Errorf("original range %s: %w", original, ErrInvalidInterval)
		}
		if !newTile.Interval.Valid() {
			return AddResult{}, fmt.Errorf("tile %s: %w", newTile.Interval, ErrInvalidInterval)
		}
	}

	if !newTile.Interval.Valid() {
		return AddResult{Tiles: tiles, Ignored: IgnoredInvalid}, nil
	}
	if !original.Covers(newTile.Interval) {
		return AddResult{Tiles: tiles, Ignored: IgnoredOutsideRange}, nil
	}

	incoming := newTile.Clone()
	if incoming.IsReady() {
		incoming.Bins = NormalizeBins(incoming.Bins, incoming.Interval)
	} else {
		incoming.Bins = nil
	}

	out := make([]Tile, 0, len(tiles)+2)
	var affected []int
	var displaced [][]Bin
	displacedCount := 0

	for i, existing := range tiles {
		rel := classify(existing.Interval, incoming.Interval)
		if rel == relNone {
			out = append(out, existing)
			continue
		}
		affected = append(affected, i)

		if existing.IsReady() {
			if lost := BinsWithin(existing.Bins, incoming.Interval); len(lost) > 0 {
				displaced = append(displaced, lost)
				displacedCount += len(lost)
			}
		}

		switch rel {
		case relFull:
			// dropped entirely
		case relContains:
			left, right := SplitTile(existing, incoming.Interval)
			if left != nil {
				out = append(out, *left)
			}
			if right != nil {
				out = append(out, *right)
			}
		case relPartial:
			trimmed, err := TrimTile(existing, incoming.Interval)
			if err != nil {
				return AddResult{}, err
			}
			if trimmed != nil {
				out = append(out, *trimmed)
			}
		}
	}

	merged := false
	if displacedCount > 0 {
		switch opts.Strategy {
		case StrategyThrow:
			return AddResult{}, fmt.Errorf("%w: %d bins in %s", ErrDataLoss, displacedCount, incoming.Interval)
		case StrategyMerge:
			if incoming.IsReady() {
				// Incoming bins first so fresh data wins count ties
				sets := append([][]Bin{incoming.Bins}, displaced...)
				incoming.Bins = NormalizeBins(MergeBins(sets...), incoming.Interval)
				merged = true
			}
		}
	}

	out = append(out, incoming)
	SortTiles(out)

	if opts.Validate {
		if err := CheckInvariant(out); err != nil {
			return AddResult{}, err
		}
	}

	return AddResult{
		Tiles:           out,
		WasAdded:        true,
		WasMerged:       merged,
		AffectedIndices: affected,
	}, nil
}

// SplitTile cuts excl out of t and returns the remaining left and right parts.
// A part is nil when it has no extent, or when t is ready and no bins remain in it.
func SplitTile(t Tile, excl Interval) (left, right *Tile) {
	left = remainder(t, Interval{FromMs: t.Interval.FromMs, ToMs: min(excl.FromMs, t.Interval.ToMs)})
	right = remainder(t, Interval{FromMs: max(excl.ToMs, t.Interval.FromMs), ToMs: t.Interval.ToMs})
	return left, right
}

// TrimTile removes an edge overlap with excl from t. It returns nil when
// nothing of t remains, and ErrAmbiguousTrim when excl is strictly interior
// to t (use SplitTile for that case).
func TrimTile(t Tile, excl Interval) (*Tile, error) {
	iv := t.Interval
	if excl.FromMs > iv.FromMs && excl.ToMs < iv.ToMs {
		return nil, fmt.Errorf("%w: %s inside %s", ErrAmbiguousTrim, excl, iv)
	}
	if !iv.Overlaps(excl) {
		out := t
		return &out, nil
	}

	var rest Interval
	if excl.FromMs <= iv.FromMs {
		rest = Interval{FromMs: excl.ToMs, ToMs: iv.ToMs}
	} else {
		rest = Interval{FromMs: iv.FromMs, ToMs: excl.FromMs}
	}
	return remainder(t, rest), nil
}

func remainder(t Tile, iv Interval) *Tile {
	if !iv.Valid() {
		return nil
	}
	part := t
	part.Interval = iv
	if t.IsReady() {
		part.Bins = BinsWithin(t.Bins, iv)
		if len(part.Bins) == 0 {
			return nil
		}
	} else {
		part.Bins = nil
	}
	return &part
}

// SortTiles orders tiles ascending by FromMs in place.
func SortTiles(tiles []Tile) {
	sort.SliceStable(tiles, func(i, j int) bool {
		return tiles[i].Interval.FromMs < tiles[j].Interval.FromMs
	})
}

// CheckInvariant verifies tiles are sorted, valid and pairwise non-overlapping.
func CheckInvariant(tiles []Tile) error {
	for i, t := range tiles {
		if !t.Interval.Valid() {
			return fmt.Errorf("tile %d %s: %w", i, t.Interval, ErrInvalidInterval)
		}
		if i == 0 {
			continue
		}
		prev := tiles[i-1].Interval
		if prev.FromMs > t.Interval.FromMs || prev.ToMs > t.Interval.FromMs {
			return fmt.Errorf("%w: %s and %s", ErrOverlap, prev, t.Interval)
		}
	}
	return nil
}

// UpdateTileStatus returns a copy of tiles where every tile whose interval
// equals iv exactly carries the new status. The second return value is the
// number of tiles updated.
func UpdateTileStatus(tiles []Tile, iv Interval, status Status, errMsg string) ([]Tile, int) {
	return updateFunc(tiles, status, errMsg, func(t Tile) bool {
		return t.Interval == iv
	})
}

// UpdateByRequestID settles the loading tiles stamped with requestID that
// overlap iv. Unlike UpdateTileStatus it still finds a tile after another
// commit has trimmed or split it.
func UpdateByRequestID(tiles []Tile, requestID string, iv Interval, status Status, errMsg string) ([]Tile, int) {
	if requestID == "" {
		return tiles, 0
	}
	return updateFunc(tiles, status, errMsg, func(t Tile) bool {
		return t.Status == StatusLoading && t.RequestID == requestID && t.Interval.Overlaps(iv)
	})
}

// updateFunc applies status to the tiles match selects. Ready stamps LoadedAt,
// error stamps FailedAt, and any status other than ready drops the bins.
func updateFunc(tiles []Tile, status Status, errMsg string, match func(Tile) bool) ([]Tile, int) {
	out := make([]Tile, len(tiles))
	copy(out, tiles)

	updated := 0
	for i := range out {
		if !match(out[i]) {
			continue
		}
		out[i].Status = status
		out[i].Error = ""
		switch status {
		case StatusReady:
			out[i].LoadedAt = time.Now().UnixMilli()
		case StatusError:
			out[i].Error = errMsg
			out[i].Bins = nil
			out[i].FailedAt = time.Now().UnixMilli()
		default:
			out[i].Bins = nil
		}
		updated++
	}
	return out, updated
}

// RemoveTile removes the tile at index. ok is false (and tiles is returned
// unchanged) when index is out of range.
func RemoveTile(tiles []Tile, index int) ([]Tile, bool) {
	if index < 0 || index >= len(tiles) {
		return tiles, false
	}
	out := make([]Tile, 0, len(tiles)-1)
	out = append(out, tiles[:index]...)
	out = append(out, tiles[index+1:]...)
	return out, true
}

// RemoveFunc returns the tiles for which drop reports false, and the number removed.
func RemoveFunc(tiles []Tile, drop func(Tile) bool) ([]Tile, int) {
	out := make([]Tile, 0, len(tiles))
	for _, t := range tiles {
		if !drop(t) {
			out = append(out, t)
		}
	}
	return out, len(tiles) - len(out)
}

// RemoveByRequestID drops the loading tiles stamped with requestID. Tiles in
// any other status are never touched.
func RemoveByRequestID(tiles []Tile, requestID string) ([]Tile, int) {
	if requestID == "" {
		return tiles, 0
	}
	return RemoveFunc(tiles, func(t Tile) bool {
		return t.Status == StatusLoading && t.RequestID == requestID
	})
}
