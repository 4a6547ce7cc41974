package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/app"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/config"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/logging"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/telemetry"
)

// newApp is the application factory. Tests replace it to inject fake sources.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// cli carries the state the persistent hooks build for subcommands.
type cli struct {
	cfgFile string

	cfg    config.Config
	logger *zap.Logger
	tracer *sdktrace.TracerProvider
	app    *app.App
}

func (c *cli) newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "l10ncrawler",
		Short: "Incremental crawler for translated xkcd sites.",
		Long: `l10ncrawler keeps a local record of every comic published by the
community-run translations of xkcd. Each run discovers what a site
exposes, decides what is new, fetches a bounded batch, and commits its
progress so the next run picks up where this one stopped.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (defaults and L10N_* env vars apply when empty)")

	cmd.AddCommand(
		c.newServeCmd(),
		c.newRunCmd(),
		c.newSourcesCmd(),
		c.newProgressCmd(),
	)
	return cmd
}

func (c *cli) setup(ctx context.Context) error {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	c.logger = logger
	zap.ReplaceGlobals(logger)

	if c.tracer, err = telemetry.InitTracerProvider(ctx, cfg.Tracing); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	c.app, err = newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	return nil
}

// shutdown releases whatever setup managed to build.
func (c *cli) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownTimeout())
	defer cancel()
	if c.app != nil {
		if err := c.app.Close(ctx); err != nil {
			c.logger.Warn("close application services", zap.Error(err))
		}
	}
	if c.tracer != nil {
		if err := c.tracer.Shutdown(ctx); err != nil {
			c.logger.Warn("shutdown tracer provider", zap.Error(err))
		}
	}
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

func (c *cli) shutdownTimeout() time.Duration {
	if c.cfg.Server.ShutdownTimeout > 0 {
		return c.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	c := &cli{}
	err := c.newRootCmd().ExecuteContext(ctx)
	stop()
	c.shutdown()
	if err != nil {
		os.Exit(1)
	}
}
