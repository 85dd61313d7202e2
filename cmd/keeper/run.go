package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/trigg3rX/power-agent-node/internal/keeper"
	"github.com/trigg3rX/power-agent-node/internal/keeper/config"
	"github.com/trigg3rX/power-agent-node/pkg/logging"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the keeper for every configured network",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config",
				EnvVars: []string{"KEEPER_CONFIG_PATH"},
				Value:   config.DefaultConfigPath,
			},
			&cli.BoolFlag{
				Name:  "log-file",
				Usage: "also write logs under data/logs/keeper",
			},
		},
		Action: runKeeper,
	}
}

func runKeeper(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	if err := logging.InitServiceLogger(logging.NodeConfig(cfg.DevMode, c.Bool("log-file"))); err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logging.Shutdown()
	logger := logging.GetServiceLogger()

	node, err := keeper.New(cfg, config.NewKeyLoader(cfg.KeystorePassword, nil), logger, version)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting keeper", "version", version, "networks", len(cfg.Networks), "dev_mode", cfg.DevMode)
	if err := node.Run(ctx); err != nil {
		logger.Error("Keeper stopped", "error", err)
		return err
	}
	logger.Info("Keeper stopped")
	return nil
}
