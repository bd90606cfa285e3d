package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicktill/tileproxy/pkg/chart"
	"github.com/nicktill/tileproxy/pkg/config"
	"github.com/nicktill/tileproxy/pkg/orchestrator"
	"github.com/nicktill/tileproxy/pkg/store"
	"github.com/nicktill/tileproxy/pkg/tile"
)

func init() {
	panCmd.Flags().String("field", "cpu", "Series name")
	panCmd.Flags().Duration("span", 24*time.Hour, "Length of the chart's original range, ending now")
	panCmd.Flags().Duration("window", 2*time.Hour, "Visible window width")
	panCmd.Flags().Int("steps", 8, "Number of pans")
	panCmd.Flags().Float64("shift", 0.5, "Pan distance as a fraction of the window")
	panCmd.Flags().Int("points", 120, "Target points per window; picks the bucket")
}

// panCmd pans a chart across a series
var panCmd = &cobra.Command{
	Use:   "pan",
	Short: "Pan a chart across a series and report render quality",
	Long: `Creates a local chart session whose tiles are fetched from the server,
then pans a window backwards from now. Every step plans and loads the viewport
and prints what would be rendered before and after the fetch settles.`,
	Args: cobra.NoArgs,
	RunE: handlePan,
}

func handlePan(cmd *cobra.Command, args []string) error {
	field, _ := cmd.Flags().GetString("field")
	span, _ := cmd.Flags().GetDuration("span")
	window, _ := cmd.Flags().GetDuration("window")
	steps, _ := cmd.Flags().GetInt("steps")
	shift, _ := cmd.Flags().GetFloat64("shift")
	points, _ := cmd.Flags().GetInt("points")

	if window <= 0 || window > span {
		return fmt.Errorf("window must be positive and no longer than span")
	}
	if points <= 0 || shift <= 0 {
		return fmt.Errorf("points and shift must be positive")
	}

	client, err := newClient()
	if err != nil {
		return err
	}

	log := newLogger()
	defer log.Sync()

	st := store.New(log)
	session := chart.NewSession(st, orchestrator.NewManager(st, client, log, orchestrator.DefaultOptions()), log)
	defer session.Close()

	end := time.Now().UnixMilli()
	original := tile.Interval{FromMs: end - span.Milliseconds(), ToMs: end}
	bucketMs := pickBucket(window.Milliseconds(), points)
	if err := session.InitSystem(field, bucketMs, original); err != nil {
		return err
	}

	out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(out, "bucket %s over %s\n\n", time.Duration(bucketMs)*time.Millisecond, original)
	fmt.Fprintln(out, "STEP\tVIEW\tDIRECTION\tTASKS\tBEFORE\tAFTER\tBINS\tCOVERAGE")

	visible := tile.Interval{FromMs: end - window.Milliseconds(), ToMs: end}
	var previous *tile.Interval
	for i := 0; i < steps; i++ {
		before, err := session.GetOptimalData(field, bucketMs, visible)
		if err != nil {
			return err
		}

		plan, batch, err := session.Load(cmd.Context(), field, bucketMs, visible, previous)
		if err != nil {
			return err
		}
		tasks := 0
		if batch != nil {
			tasks = len(batch.Tasks)
			select {
			case <-batch.Done():
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
		}

		after, err := session.GetOptimalData(field, bucketMs, visible)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "%d\t%s\t%s\t%d\t%s\t%s\t%d\t%.1f%%\n",
			i, formatView(visible), plan.Direction, tasks, before.Quality, after.Quality, len(after.Data), after.Coverage)

		// Pan left (back in time), staying inside the original range
		prev := visible
		previous = &prev
		delta := int64(float64(window.Milliseconds()) * shift)
		if visible.FromMs-delta < original.FromMs {
			break
		}
		visible = tile.Interval{FromMs: visible.FromMs - delta, ToMs: visible.ToMs - delta}
	}
	out.Flush()

	stats, err := session.GetStats(field, bucketMs)
	if err != nil {
		return err
	}
	printStats(cmd.OutOrStdout(), stats.TotalTiles, stats.ReadyTiles, stats.ErrorTiles, stats.TotalBins, stats.Coverage)
	return nil
}

// pickBucket returns the smallest nice bucket that keeps a window of spanMs
// within points bins.
func pickBucket(spanMs int64, points int) int64 {
	for _, b := range config.NiceBucketsMs {
		if spanMs/b <= int64(points) {
			return b
		}
	}
	return config.NiceBucketsMs[len(config.NiceBucketsMs)-1]
}

func formatView(iv tile.Interval) string {
	return time.UnixMilli(iv.FromMs).UTC().Format("01-02 15:04") + " → " + time.UnixMilli(iv.ToMs).UTC().Format("15:04")
}

func printStats(w io.Writer, total, ready, errored, bins int, coverage float64) {
	fmt.Fprintf(w, "\ntiles: %d (%d ready, %d error), bins: %d, coverage of original range: %.1f%%\n",
		total, ready, errored, bins, coverage)
}
