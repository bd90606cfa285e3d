package tile

import "sort"

// MergeBins combines bin slices into one sorted slice unique by timestamp.
// On collision the bin with the higher Count wins; ties keep the bin seen first,
// so earlier arguments take precedence over later ones.
// The result is never nil.
func MergeBins(sets ...[]Bin) []Bin {
	total := 0
	for _, s := range sets {
		total += len(s)
	}

	byT := make(map[int64]int, total)
	out := make([]Bin, 0, total)
	for _, s := range sets {
		for _, b := range s {
			idx, seen := byT[b.T]
			if !seen {
				byT[b.T] = len(out)
				out = append(out, b)
				continue
			}
			if b.Count > out[idx].Count {
				out[idx] = b
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].T < out[j].T
	})
	return out
}

// BinsWithin returns the bins whose timestamp lies in iv, in input order.
func BinsWithin(bins []Bin, iv Interval) []Bin {
	out := make([]Bin, 0, len(bins))
	for _, b := range bins {
		if iv.ContainsTime(b.T) {
			out = append(out, b)
		}
	}
	return out
}

// BinsOutside returns the bins whose timestamp lies outside iv, in input order.
func BinsOutside(bins []Bin, iv Interval) []Bin {
	out := make([]Bin, 0, len(bins))
	for _, b := range bins {
		if !iv.ContainsTime(b.T) {
			out = append(out, b)
		}
	}
	return out
}

// NormalizeBins clips bins to iv, sorts them and removes duplicate timestamps.
func NormalizeBins(bins []Bin, iv Interval) []Bin {
	return MergeBins(BinsWithin(bins, iv))
}
