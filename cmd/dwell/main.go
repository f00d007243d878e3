// Delayed trace-context enrichment service
// Accepts ingestion batches, holds observations for the delay window, and writes enriched records
package main

import (
	"fmt"
	"os"

	"github.com/andrewh/dwell/pkg/config"
	"github.com/andrewh/dwell/pkg/replay"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "dwell",
		Short:        "Delayed trace-context enrichment for ingested observations",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(replayCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(versionCmd())

	return root
}

// addConfigFlags registers the flags that override configuration keys.
// Defaults shown here are informational; unset flags never override a
// value from the config file or environment.
func addConfigFlags(fs *pflag.FlagSet, configPath *string) {
	fs.StringVar(configPath, "config", "", "YAML configuration file")
	fs.Int("delay-ms", config.DefaultDelayMS, "enrichment window in milliseconds")
	fs.String("listen", config.DefaultListen, "HTTP listen address")
	fs.Int("workers", config.DefaultWorkers, "concurrent flush workers")
	fs.String("store", config.StoreMemory, "trace state store: memory or sqlite")
	fs.String("store-path", "", "SQLite trace state database path")
	fs.Duration("store-ttl", 0, "evict idle traces from the memory store after this long (0 = config default)")
	fs.String("sink", config.SinkMemory, "record sink: memory, sqlite, postgres, or stdout")
	fs.String("sink-path", "", "SQLite sink database path")
	fs.String("sink-dsn", "", "PostgreSQL sink connection string")
	fs.Uint("max-retries", config.DefaultMaxRetries, "sink write attempts per record")
	fs.String("signals", "", "comma-separated self-telemetry signals: traces,metrics,logs")
	fs.String("endpoint", "", "OTLP endpoint for self-telemetry (e.g. localhost:4318)")
	fs.String("protocol", "http/protobuf", "OTLP protocol (http/protobuf or grpc)")
	fs.Bool("stdout", false, "emit self-telemetry to stdout as JSON")
	fs.Duration("late-threshold", 0, "log flushes later than this past their deadline (0 = config default)")
	fs.String("pprof", "", "start pprof HTTP server on this address (e.g. :6060)")
	fs.String("pyroscope", "", "Pyroscope server address for continuous profiling")
}

func loadConfig(cmd *cobra.Command, path string) (config.Config, error) {
	cfg, err := config.Load(path, cmd.Flags())
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func validateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate [scenario.yaml]",
		Short: "Validate the configuration and, optionally, a replay scenario",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "Configuration valid: delay %s, store %s, sink %s\n", cfg.Delay(), cfg.Store.Kind, cfg.Sink.Kind)
			if len(args) == 0 {
				return nil
			}

			sc, err := replay.LoadScenario(args[0])
			if err != nil {
				return err
			}
			events := 0
			for _, step := range sc.Steps {
				events += len(step.Events)
			}
			stepLabel := "steps"
			if len(sc.Steps) == 1 {
				stepLabel = "step"
			}
			eventLabel := "events"
			if events == 1 {
				eventLabel = "event"
			}
			_, _ = fmt.Fprintf(w, "Scenario valid: %d %s, %d %s over %s\n\n"+
				"To replay it:\n"+
				"  dwell replay %s\n",
				len(sc.Steps), stepLabel, events, eventLabel, sc.Duration(), args[0])
			return nil
		},
	}

	addConfigFlags(cmd.Flags(), &configPath)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "dwell %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}
