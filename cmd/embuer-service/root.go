package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/embuer/embuer/internal/config"
	"github.com/embuer/embuer/internal/logging"
)

var (
	configPath  string
	logLevel    string
	logFile     string
	serviceName string
)

var rootCmd = &cobra.Command{
	Use:          "embuer-service",
	Short:        "Embuer update service",
	Long:         "embuer-service installs signed rootfs updates and reports their progress over a local API.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (panic, fatal, error, warn, info, debug, trace); overrides the config file")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "log file path or \"console\"; overrides the config file")
	rootCmd.PersistentFlags().StringVarP(&serviceName, "service", "s", "embuer", "system service name")

	rootCmd.AddCommand(runCmd, serviceCmd)
}

// loadConfig reads the configuration, applies flag overrides and sets up
// logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
	if err := logging.Init(cfg.Log.Level, cfg.Log.File); err != nil {
		return nil, fmt.Errorf("init log: %w", err)
	}
	return cfg, nil
}
