package tile

import "fmt"

// Interval is a half-open millisecond range [FromMs, ToMs).
type Interval struct {
	FromMs int64 `json:"from"`
	ToMs   int64 `json:"to"`
}

// Valid reports whether FromMs < ToMs.
func (i Interval) Valid() bool {
	return i.FromMs < i.ToMs
}

// Span returns the interval length in milliseconds (0 for invalid intervals).
func (i Interval) Span() int64 {
	if !i.Valid() {
		return 0
	}
	return i.ToMs - i.FromMs
}

// Overlaps reports whether the two intervals share at least one millisecond.
func (i Interval) Overlaps(o Interval) bool {
	return i.FromMs < o.ToMs && o.FromMs < i.ToMs
}

// Covers reports whether o lies entirely inside i.
func (i Interval) Covers(o Interval) bool {
	return i.FromMs <= o.FromMs && o.ToMs <= i.ToMs
}

// ContainsTime reports whether t falls in [FromMs, ToMs).
func (i Interval) ContainsTime(t int64) bool {
	return t >= i.FromMs && t < i.ToMs
}

// Intersect returns the overlapping part of i and o. ok is false when they do
// not overlap.
func (i Interval) Intersect(o Interval) (Interval, bool) {
	out := Interval{FromMs: max(i.FromMs, o.FromMs), ToMs: min(i.ToMs, o.ToMs)}
	return out, out.Valid()
}

func (i Interval) String() string {
	return fmt.Sprintf("[%d,%d)", i.FromMs, i.ToMs)
}

// Bin is one sampled data point. Nil value pointers encode null.
type Bin struct {
	T     int64    `json:"t"`
	Avg   *float64 `json:"avg"`
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
	Count int64    `json:"count"`
}

// Status is the load state of a tile.
type Status string

const (
	StatusReady   Status = "ready"
	StatusLoading Status = "loading"
	StatusError   Status = "error"
)

// Tile is a cached interval of data at one resolution.
type Tile struct {
	Interval  Interval `json:"coverage_interval"`
	Bins      []Bin    `json:"bins"`
	Status    Status   `json:"status"`
	Error     string   `json:"error,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
	LoadedAt  int64    `json:"loaded_at,omitempty"` // epoch ms, set when ready
	FailedAt  int64    `json:"failed_at,omitempty"` // epoch ms, set when errored
}

// IsReady reports whether the tile holds committed data.
func (t Tile) IsReady() bool {
	return t.Status == StatusReady
}

// Clone returns a deep copy so callers never alias store-owned bins.
func (t Tile) Clone() Tile {
	out := t
	if t.Bins != nil {
		out.Bins = make([]Bin, len(t.Bins))
		copy(out.Bins, t.Bins)
	}
	return out
}

// CoverageResult describes how much of a target interval is covered by ready
// tiles. It is always derived, never stored.
type CoverageResult struct {
	Coverage float64    `json:"coverage"`
	Gaps     []Interval `json:"gaps"`
	HasFull  bool       `json:"has_full"`
}

// Float returns a pointer to v, for building bins.
func Float(v float64) *float64 {
	return &v
}
