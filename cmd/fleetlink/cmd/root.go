package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is reported as the OpenTelemetry instrumentation version.
var version = "dev"

var (
	verbose  bool
	debug    bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "fleetlink",
	Short: "Fleet dashboard real-time client",
	Long: `fleetlink connects to a fleet dashboard server over WebSocket, keeps the
connection alive across failures and streams device, task and analytics
events.

Connection settings, subscriptions and scheduled commands are read from
HCL configuration files.`,
	SilenceUsage: true,
}

// Execute runs the command line. It is called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
}

func setupLogger() (*zap.Logger, error) {
	level := strings.ToLower(logLevel)
	if debug || (verbose && level == "info") {
		level = "debug"
	}
	if level == "warning" {
		level = "warn"
	}

	zapLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Development = debug

	return config.Build()
}

func stringsToSources(paths []string) []any {
	sources := make([]any, len(paths))
	for i, path := range paths {
		sources[i] = path
	}
	return sources
}
