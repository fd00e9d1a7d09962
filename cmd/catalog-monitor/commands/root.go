package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/maltedev/catalog-monitor/internal/api"
	"github.com/maltedev/catalog-monitor/internal/config"
	"github.com/maltedev/catalog-monitor/internal/logger"
)

var (
	configPath string
	single     bool
	httpAddr   string

	cfg       *config.Config
	log       *slog.Logger
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:           "catalog-monitor [--single] [--config path] [--http addr]",
	Short:         "Watches a retail catalog for new products and watchlist matches.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		log, logCloser, err = logger.NewWithFile(cfg.Storage.LogFile, cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		slog.SetDefault(log)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
	RunE: runMonitor,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "config file (JSON5); <name>.local.<ext> overrides it")
	rootCmd.Flags().BoolVar(&single, "single", false, "run one check and exit")
	rootCmd.Flags().StringVar(&httpAddr, "http", "", "serve the status API on this address (overrides server.addr)")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if single {
		return runSingle(ctx, a)
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.relay != nil {
		g.Go(func() error {
			if err := a.relay.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("relay: %w", err)
			}
			return nil
		})
	}

	addr := cfg.Server.Addr
	if httpAddr != "" {
		addr = httpAddr
	}
	if addr != "" {
		handlers := api.NewHandlers(a.monitor, a.reports, a.outboxStats(), log)
		g.Go(func() error {
			return api.Serve(gctx, api.NewRouter(handlers, nil), api.ServerConfig{
				Addr:            addr,
				ReadTimeout:     cfg.Server.ReadTimeout(),
				WriteTimeout:    cfg.Server.WriteTimeout(),
				ShutdownTimeout: cfg.Server.ShutdownTimeout(),
			}, log)
		})
	}

	g.Go(func() error {
		log.Info("starting continuous monitoring",
			"interval", cfg.Monitoring.Interval(),
			"urls", len(cfg.Monitoring.URLs),
			"source", cfg.Scraper.Source)
		return a.monitor.Run(gctx)
	})

	return g.Wait()
}

func runSingle(ctx context.Context, a *app) error {
	log.Info("running single check")
	result, err := a.monitor.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("check failed: %w", err)
	}

	if !result.HasChanges() {
		fmt.Printf("No changes: %d products, nothing new\n", len(result.Products))
	} else {
		fmt.Printf("Found %d new products and %d watchlist matches out of %d\n",
			len(result.New), len(result.Matches), len(result.Products))
		for _, p := range result.New {
			fmt.Printf("  new:   %s\n", p)
		}
		for _, m := range result.Matches {
			fmt.Printf("  match: %s (%s)\n", m.Product, m.Reason)
		}
	}

	// No relay loop runs in single mode, so publish this run's events now.
	if a.relay != nil {
		if _, err := a.relay.Flush(ctx); err != nil {
			return fmt.Errorf("flush outbox: %w", err)
		}
	}
	return nil
}
