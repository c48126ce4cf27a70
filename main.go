package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"incident-dispatch-go/internal/config"
	"incident-dispatch-go/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Incident dispatch server and field tools",
	Long: `Incident dispatch server and field tools.

Commands:
  serve   - Run the dispatch API server
  agent   - Queue and replay writes from a device with unreliable connectivity
  locate  - Acquire a location fix through the fallback cascade
  user    - Manage user accounts`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, agentCmd, locateCmd, userCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger every command shares.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}
