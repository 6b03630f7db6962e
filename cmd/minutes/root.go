package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/minutegraph/internal/config"
	"github.com/dshills/minutegraph/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "minutes",
	Short: "Minutes drafts and reviews meeting minutes from transcripts",
	Long: `Minutes turns a meeting transcript into structured minutes. A writer model
drafts them, a critic model reviews them, and a human approves them before
they are rendered. Every step is checkpointed so a process can be resumed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default "+config.DefaultFile+" if present)")
	rootCmd.PersistentFlags().String("store", "", "Store backend: memory, sqlite, mysql, postgres or redis")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json")
}

// loadConfig reads the config file and applies the persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	overrides := []struct {
		flag string
		dst  *string
	}{
		{"store", &cfg.Store.Backend},
		{"log-level", &cfg.Log.Level},
		{"log-format", &cfg.Log.Format},
	}
	changed := false
	for _, o := range overrides {
		if v, _ := cmd.Flags().GetString(o.flag); v != "" {
			*o.dst = v
			changed = true
		}
	}
	if changed {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid flags: %w", err)
		}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
}
