// Command allocatord runs the token-budget allocator service, following
// the cobra root-command-plus-subcommands shape of the teacher's
// cmd/ollama-distributed/main.go, trimmed to the three operations this
// service needs: serve, migrate, seed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/tokenallocator/internal/config"
	"github.com/khryptorgraphics/tokenallocator/pkg/allocator"
	"github.com/khryptorgraphics/tokenallocator/pkg/api"
	"github.com/khryptorgraphics/tokenallocator/pkg/clock"
	"github.com/khryptorgraphics/tokenallocator/pkg/ratelimit"
	"github.com/khryptorgraphics/tokenallocator/pkg/store"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "allocatord",
		Short:   "Token-budget allocator service",
		Version: version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the allocator HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pg, err := store.NewPostgres(store.PostgresConfig{
		DSN:          cfg.DatabaseURL,
		MaxOpenConns: cfg.DBPoolSize + cfg.DBMaxOverflow,
		MaxIdleConns: cfg.DBPoolSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer pg.Close()

	policy := allocator.NewPolicy(cfg.AllocStrategy, cfg.BigRequestThreshold)
	engine := allocator.New(pg, policy, clock.Real, logger)

	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.New(clock.Real,
			cfg.RateLimitGlobalPerSec, cfg.RateLimitGlobalBurst,
			cfg.RateLimitClientPerSec, cfg.RateLimitClientBurst)
	}

	server := api.NewServer(cfg, engine, policy, limiter, logger)
	return server.Start(context.Background())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

func runMigrate() error {
	logger := newLogger()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pg, err := store.NewPostgres(store.PostgresConfig{DSN: cfg.DatabaseURL}, logger)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer pg.Close()

	return pg.MigrateSchema(context.Background())
}

func seedCmd() *cobra.Command {
	var count, budget int

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed node rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(count, budget)
		},
	}

	cmd.Flags().IntVar(&count, "count", 0, "number of nodes to seed (defaults to NODES)")
	cmd.Flags().IntVar(&budget, "budget", 0, "per-node capacity (defaults to NODE_BUDGET)")

	return cmd
}

func runSeed(count, budget int) error {
	logger := newLogger()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if count == 0 {
		count = cfg.Nodes
	}
	if budget == 0 {
		budget = cfg.NodeBudget
	}

	pg, err := store.NewPostgres(store.PostgresConfig{DSN: cfg.DatabaseURL}, logger)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer pg.Close()

	return pg.SeedNodes(context.Background(), count, budget)
}
