package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/config"
)

// cli carries what every subcommand needs once the root command has loaded it.
type cli struct {
	configPath string
	cfg        *config.Config
	logger     ectologger.Logger
	zap        *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:           "clover",
		Short:         "Realtime entity linking service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.zap != nil {
				_ = c.zap.Sync()
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to an optional config file (yaml, json or toml)")

	rootCmd.AddCommand(
		serveCommand(c),
		migrateCommand(c),
		linkCommand(c),
	)
	return rootCmd
}

func (c *cli) init() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}

	var zapLogger *zap.Logger
	if cfg.LogLevel == "debug" {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapCfg := zap.NewProductionConfig()
		if lvlErr := zapCfg.Level.UnmarshalText([]byte(cfg.LogLevel)); lvlErr != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, lvlErr)
		}
		zapLogger, err = zapCfg.Build()
	}
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	c.cfg = cfg
	c.zap = zapLogger
	c.logger = zapadapter.NewZapEctoLogger(zapLogger, nil)
	return nil
}
