// Command feedrun collects live and historical market data from multiple
// providers into durable local storage.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagLogLevel string
)

func main() {
	root := &cobra.Command{
		Use:   "feedrun",
		Short: "Multi-provider market data collection service",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(flagLogLevel)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config YAML")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newCollectCmd())
	root.AddCommand(newBackfillCmd())
	root.AddCommand(newStatusCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})
}
