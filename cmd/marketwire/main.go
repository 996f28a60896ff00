// Command marketwire runs the feed ingestion pipeline. Each role can run as
// its own process or all together with the standalone command.
package main

import (
	"fmt"
	"os"

	"marketwire/config"
	"marketwire/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	log     *zap.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "marketwire",
	Short: "Market news feed ingestion pipeline",
	Long: `marketwire crawls configured news sources, filters and deduplicates
their articles, and routes pipeline events between processes.

Example usage:
  marketwire standalone            # Scheduler, workers and API in one process
  marketwire scheduler             # Queue due sources every tick
  marketwire worker                # Consume crawl and tag search events
  marketwire api                   # Serve the HTTP API
  marketwire forwarder --to kafka  # Relay redis stream events to kafka
  marketwire seed                  # Store the built-in source presets`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(standaloneCmd, schedulerCmd, workerCmd, apiCmd, forwarderCmd, seedCmd)
}

func initConfig() error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	log, err = logger.New(level, cfg.LogDev)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	log.Debug("configuration loaded",
		zap.String("transport", cfg.Transport.Kind),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.Int("workers", cfg.Crawler.Workers),
		zap.String("tick", cfg.Scheduler.TickSpec))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}
