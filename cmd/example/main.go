// Command example is a client for a running tileproxy server. It seeds
// synthetic series and pans a chart over them, printing what the chart would
// render at each step.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/tileproxy/pkg/logger"
	"github.com/nicktill/tileproxy/pkg/transport"
)

// Global flags
var (
	serverURL string
	apiKey    string
	verbose   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "example",
	Short: "Seed and browse a tileproxy server",
	Long: `A demo client for tileproxy. "seed" writes a synthetic series; "pan"
loads it into a chart session and pans across it, reporting render quality.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "tileproxy server URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("TILEPROXY_API_KEY"), "API key sent as a bearer token")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose debug output to stderr")

	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(panCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newClient builds the HTTP client for --server.
func newClient() (*transport.HTTPClient, error) {
	return transport.NewHTTP(serverURL, apiKey)
}

// newLogger returns a debug logger with --verbose, otherwise a silent one.
func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	log, err := logger.New("development")
	if err != nil {
		return zap.NewNop()
	}
	return log
}
