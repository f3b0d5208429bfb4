package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/entrypoint/internal/config"
	"github.com/oriys/entrypoint/internal/logging"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "entrypoint",
		Short:        "Invoke entry points over HTTP or a task queue",
		Long:         "Invoke named entry points over blocking HTTP, non-blocking HTTP or a Redis task queue, and run the workers that execute queued tasks",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("ENTRYPOINT_CONFIG"), "Config file (.json, .yaml, .toml)")

	rootCmd.AddCommand(
		invokeCmd(),
		workerCmd(),
		configCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}
