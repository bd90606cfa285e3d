package main

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicktill/tileproxy/pkg/config"
	"github.com/nicktill/tileproxy/pkg/tile"
)

func init() {
	seedCmd.Flags().String("field", "cpu", "Series name")
	seedCmd.Flags().Duration("span", 24*time.Hour, "Length of the series, ending now")
	seedCmd.Flags().Duration("step", 10*time.Second, "Time between samples")
	seedCmd.Flags().Int64("seed", 1, "Random seed for the noise")
}

// seedCmd writes a synthetic series
var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write a synthetic series (daily wave plus noise)",
	Args:  cobra.NoArgs,
	RunE:  handleSeed,
}

func handleSeed(cmd *cobra.Command, args []string) error {
	field, _ := cmd.Flags().GetString("field")
	span, _ := cmd.Flags().GetDuration("span")
	step, _ := cmd.Flags().GetDuration("step")
	seed, _ := cmd.Flags().GetInt64("seed")

	if span <= 0 || step <= 0 {
		return fmt.Errorf("span and step must be positive")
	}

	client, err := newClient()
	if err != nil {
		return err
	}

	end := time.Now().Truncate(step)
	samples := synthesize(end.Add(-span), end, step, seed)

	start := time.Now()
	for i := 0; i < len(samples); i += config.MaxBinsPerRequest {
		batch := samples[i:min(i+config.MaxBinsPerRequest, len(samples))]
		if err := client.Write(cmd.Context(), field, batch); err != nil {
			return fmt.Errorf("failed to write batch at %d: %w", i, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "\rwrote %d/%d samples", i+len(batch), len(samples))
	}
	fmt.Fprintln(cmd.ErrOrStderr())

	fmt.Fprintf(cmd.OutOrStdout(), "seeded %q: %d samples from %s to %s in %v\n",
		field, len(samples),
		end.Add(-span).UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
		time.Since(start).Round(time.Millisecond))
	return nil
}

// synthesize returns one raw sample per step in [from, to): a daily sine wave
// around 50 with small noise, and a missing sample now and then so charts
// show real gaps.
func synthesize(from, to time.Time, step time.Duration, seed int64) []tile.Bin {
	rng := rand.New(rand.NewSource(seed))
	day := float64(24 * time.Hour / time.Millisecond)

	var bins []tile.Bin
	for t := from; t.Before(to); t = t.Add(step) {
		if rng.Float64() < 0.01 {
			continue
		}
		ms := t.UnixMilli()
		v := 50 + 30*math.Sin(2*math.Pi*float64(ms)/day) + rng.NormFloat64()*3
		bins = append(bins, tile.Bin{T: ms, Avg: tile.Float(math.Round(v*100) / 100)})
	}
	return bins
}
