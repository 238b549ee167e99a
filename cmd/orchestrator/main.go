// modelforge orchestrates local ML training jobs: it queues and
// dispatches them to worker processes, supervises the resident worker
// service, and adapts training configs to available memory.
package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/modelforge/modelforge-go/pkg/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "modelforge",
	Short:         "Local ML training job orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (defaults when empty)")
}

// loadConfig reads the configured file plus MODELFORGE_* overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the root logger every component derives named
// sub-loggers from. Logs go to stderr so command output stays clean.
func newLogger(cfg config.LoggingConfig) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "modelforge",
		Level:      hclog.LevelFromString(cfg.Level),
		JSONFormat: cfg.Format == "json",
	})
}
