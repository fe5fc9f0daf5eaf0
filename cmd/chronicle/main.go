package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cuemby/chronicle/pkg/log"
	"github.com/cuemby/chronicle/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chronicle",
	Short: "Chronicle - a replicated state machine core",
	Long: `Chronicle runs a single node of a replicated state machine: a
Proposer that establishes terms and replicates a log under the quorum
algebra, and one RSM runtime per registered state machine mod.`,
	Version: fmt.Sprintf("%s (%s)", Version, Commit),
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

// serveMetrics registers the package's collectors on the default Prometheus
// registerer and starts a background HTTP server exposing them.
func serveMetrics(addr string) {
	metrics.Register(prometheus.DefaultRegisterer)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithComponent("cmd").Error().Err(err).Msg("metrics server stopped")
		}
	}()
}
