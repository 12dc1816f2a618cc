package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jdiitm/delayq/internal/config"
	"github.com/jdiitm/delayq/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "delayq",
		Short:         "Delayed record dispatch on a partitioned log",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a config file (yaml, json or toml)")

	load := func() (*config.Config, *zap.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		if err := validateForProduction(cfg); err != nil {
			return nil, nil, fmt.Errorf("production safety check failed: %w", err)
		}
		logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
		if err != nil {
			return nil, nil, err
		}
		return cfg, logger, nil
	}

	root.AddCommand(serveCmd(load), sendCmd(load))
	return root
}

type loader func() (*config.Config, *zap.Logger, error)

func validateForProduction(cfg *config.Config) error {
	if cfg.DeploymentMode != "production" {
		return nil
	}
	if cfg.Broker.Kind == config.BrokerMemory {
		return fmt.Errorf(
			"broker.kind=%q is unsafe for deployment_mode=production; "+
				"waiting and uncommitted records are lost on restart; set broker.kind=kafka",
			cfg.Broker.Kind,
		)
	}
	if cfg.Poll.MaxWaiting <= 0 {
		return fmt.Errorf(
			"poll.max_waiting=%d is unsafe for deployment_mode=production; "+
				"an unbounded delay store disables fetch backpressure; "+
				"set poll.max_waiting to a positive integer (e.g. 10000)",
			cfg.Poll.MaxWaiting,
		)
	}
	return nil
}
