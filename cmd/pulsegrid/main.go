// Command pulsegrid runs the pulse enhancement pipeline: it consumes stopped
// pulses from the change stream, decides the enhancement path, and writes the
// final records. Subcommands expose the dead-letter queue for operators.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pulsegrid/pulsegrid/internal/config"
)

var version = "dev"

var rootFlags struct {
	configPath string
	logLevel   string
	pretty     bool
}

func main() {
	root := &cobra.Command{
		Use:           "pulsegrid",
		Short:         "Pulse enhancement pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&rootFlags.configPath, "config", os.Getenv("PULSEGRID_CONFIG"), "path to a YAML config file")
	pf.StringVar(&rootFlags.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.BoolVar(&rootFlags.pretty, "pretty", false, "human-readable console logging")

	root.AddCommand(newRunCmd(), newDLQCmd(), newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "pulsegrid", version)
		},
	}
}

// newLogger builds the process logger from the root flags.
func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(rootFlags.logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr)
	if rootFlags.pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// newResolver layers the config stores: file (when given) over environment
// over built-in defaults.
func newResolver() (*config.Resolver, error) {
	stores := []config.Store{}
	if rootFlags.configPath != "" {
		fs, err := config.LoadFile(rootFlags.configPath)
		if err != nil {
			return nil, err
		}
		stores = append(stores, fs)
	}
	stores = append(stores, config.EnvStore{})
	return config.NewResolver(config.DefaultTTL, stores...), nil
}

// envDefault is the flag-default helper: environment first, fallback second.
func envDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
