package planner

import (
	"github.com/nicktill/tileproxy/pkg/config"
	"github.com/nicktill/tileproxy/pkg/tile"
)

// Direction is the pan direction between two viewports.
type Direction string

const (
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
	DirectionNone  Direction = "none"
)

// Priority orders load tasks.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Reason says why a task was planned.
type Reason string

const (
	ReasonGap           Reason = "gap"
	ReasonPrefetchLeft  Reason = "prefetch-left"
	ReasonPrefetchRight Reason = "prefetch-right"
)

// Task is one interval to fetch.
type Task struct {
	Interval tile.Interval `json:"interval"`
	Reason   Reason        `json:"reason"`
	Priority Priority      `json:"priority"`
}

// Plan is the output of PlanLoad. TilesToLoad lists high priority tasks first.
type Plan struct {
	NeedsLoading bool      `json:"needs_loading"`
	TilesToLoad  []Task    `json:"tiles_to_load"`
	Direction    Direction `json:"direction"`
}

// Options tune PlanLoad. Zero values fall back to the configured defaults.
type Options struct {
	PrefetchMargin float64
	GapThreshold   float64

	// BucketMs is the minimum width of a gap worth fetching.
	BucketMs int64
}

func (o Options) withDefaults() Options {
	if o.PrefetchMargin <= 0 {
		o.PrefetchMargin = config.DefaultPrefetchMargin
	}
	if o.GapThreshold <= 0 {
		o.GapThreshold = config.VisibleGapThreshold
	}
	return o
}

// DetectDirection compares viewport starts. A nil previous viewport has no
// direction.
func DetectDirection(visible tile.Interval, previous *tile.Interval) Direction {
	switch {
	case previous == nil:
		return DirectionNone
	case visible.FromMs < previous.FromMs:
		return DirectionLeft
	case visible.FromMs > previous.FromMs:
		return DirectionRight
	default:
		return DirectionNone
	}
}

// PlanLoad decides which intervals of the active level must be fetched for the
// visible viewport, plus one prefetch interval ahead of a pan.
//
// Coverage is judged on ready tiles only, but tasks are cut from the space no
// tile occupies: a range already loading is never planned again, and a range
// that failed stays put until its error tile is cleared.
func PlanLoad(tiles []tile.Tile, original, visible tile.Interval, previous *tile.Interval, opts Options) Plan {
	opts = opts.withDefaults()
	dir := DetectDirection(visible, previous)
	plan := Plan{TilesToLoad: []Task{}, Direction: dir}

	view, ok := visible.Intersect(original)
	if !ok {
		return plan
	}

	cov := tile.FindGaps(original, tiles, &view)
	if cov.Coverage < opts.GapThreshold {
		free := tile.FindGapsFunc(original, tiles, &view, occupied)
		for _, gap := range free.Gaps {
			if gap.Span() < opts.BucketMs {
				continue
			}
			plan.TilesToLoad = append(plan.TilesToLoad, Task{
				Interval: gap,
				Reason:   ReasonGap,
				Priority: PriorityHigh,
			})
		}
	}

	if task, ok := prefetch(tiles, original, view, dir, opts); ok {
		plan.TilesToLoad = append(plan.TilesToLoad, task)
	}

	plan.NeedsLoading = len(plan.TilesToLoad) > 0
	return plan
}

// prefetch plans the largest free part of the window ahead of the pan.
// Loading tiles count as covered here so a pan never re-requests in-flight data.
func prefetch(tiles []tile.Tile, original, view tile.Interval, dir Direction, opts Options) (Task, bool) {
	width := int64(float64(view.Span()) * opts.PrefetchMargin)
	if width <= 0 {
		return Task{}, false
	}

	var window tile.Interval
	var reason Reason
	switch dir {
	case DirectionLeft:
		window = tile.Interval{FromMs: view.FromMs - width, ToMs: view.FromMs}
		reason = ReasonPrefetchLeft
	case DirectionRight:
		window = tile.Interval{FromMs: view.ToMs, ToMs: view.ToMs + width}
		reason = ReasonPrefetchRight
	default:
		return Task{}, false
	}

	window, ok := window.Intersect(original)
	if !ok {
		return Task{}, false
	}

	cov := tile.FindGapsFunc(original, tiles, &window, func(t tile.Tile) bool {
		return t.Status == tile.StatusReady || t.Status == tile.StatusLoading
	})
	if cov.Coverage >= opts.GapThreshold {
		return Task{}, false
	}

	var best tile.Interval
	for _, gap := range tile.FindGapsFunc(original, tiles, &window, occupied).Gaps {
		if gap.Span() > best.Span() {
			best = gap
		}
	}
	if best.Span() == 0 || best.Span() < opts.BucketMs {
		return Task{}, false
	}

	return Task{Interval: best, Reason: reason, Priority: PriorityNormal}, true
}

// occupied treats every tile as taken, whatever its status.
func occupied(tile.Tile) bool { return true }
