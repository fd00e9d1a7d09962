package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/maltedev/catalog-monitor/internal/api"
	"github.com/maltedev/catalog-monitor/internal/logger"
	"github.com/maltedev/catalog-monitor/internal/stub"
)

var (
	addr     string
	tick     time.Duration
	seed     uint64
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:          "catalog-stub [--addr :8080] [--tick 10s] [--seed n]",
	Short:        "Serves a fake product catalog that gains and loses products over time.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.New(logLevel, "text")

		catalog := stub.NewCatalog(stub.DefaultProducts(), stub.DefaultPool(), seed, log)
		go catalog.Run(cmd.Context(), tick)

		log.Info("stub catalog ready",
			"listing", fmt.Sprintf("http://localhost%s/", addr),
			"api", fmt.Sprintf("http://localhost%s/api/products", addr),
			"tick", tick)
		return api.Serve(cmd.Context(), stub.NewServer(catalog, log).Routes(), api.ServerConfig{Addr: addr}, log)
	},
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	rootCmd.Flags().DurationVar(&tick, "tick", stub.DefaultTick, "how often the dynamic products change")
	rootCmd.Flags().Uint64Var(&seed, "seed", uint64(time.Now().UnixNano()), "random seed for catalog changes")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
