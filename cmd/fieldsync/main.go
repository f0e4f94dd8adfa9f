package main

import (
	"fmt"
	"os"

	"github.com/cuemby/fieldsync/pkg/config"
	"github.com/cuemby/fieldsync/pkg/log"
	"github.com/cuemby/fieldsync/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Fieldsync - offline-first sync engine for field inspections",
	Long: `Fieldsync keeps inspection work durable while the network comes and goes.

Writes made offline are queued on disk and replayed in order once the
repository is reachable again; reads fall back to the last cached copy.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Fieldsync version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to YAML configuration file")
	flags.String("data-dir", "", "Data directory (overrides config)")
	flags.String("backend", "", "Repository base URL (overrides config)")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.Bool("log-json", false, "Log as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(backendCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads the config file, applies flag overrides and initializes logging
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("backend"); v != "" {
		cfg.Backend.URL = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Init(cfg.LoggerConfig())
	metrics.SetVersion(Version)
	return cfg, nil
}
