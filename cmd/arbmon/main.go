package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/arbmon/internal/cache"
	"github.com/sawpanic/arbmon/internal/config"
	"github.com/sawpanic/arbmon/internal/detector"
	"github.com/sawpanic/arbmon/internal/manager"
	"github.com/sawpanic/arbmon/internal/metrics"
	"github.com/sawpanic/arbmon/internal/sink/postgres"
	"github.com/sawpanic/arbmon/internal/symbol"
)

const (
	appName = "arbmon"
	version = "v0.1.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Cross-exchange arbitrage monitor",
		Version: version,
		Long: `arbmon watches top-of-book and local depth across a configured set of
cryptocurrency venues and emits two-leg arbitrage opportunities whenever the
fee- and slippage-adjusted net spread between any two venues clears a
configured threshold.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the market-data pipeline and opportunity detector",
		RunE:  runSupervisor,
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "One-shot connectivity probe against REDIS_URL and DATABASE_URL",
		RunE:  runHealthCheck,
	}

	rootCmd.AddCommand(runCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// runSupervisor wires every component into a Manager and blocks until
// SIGINT/SIGTERM.
func runSupervisor(cmd *cobra.Command, args []string) error {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	store, err := config.NewStore(redisURL)
	if err != nil {
		return fmt.Errorf("connect config store: %w", err)
	}

	registry := symbol.NewRegistry()
	metricsRegistry := metrics.NewRegistry()

	orderBookCache, err := cache.New(redisURL, cache.DefaultTTL, metricsRegistry)
	if err != nil {
		return fmt.Errorf("connect orderbook cache: %w", err)
	}

	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	sinkStore := postgres.New(db, 5*time.Second, 1000)

	d := detector.New(detector.Config{}, defaultFeeSchedule(), registry, sinkStore, nil, metricsRegistry)
	mgr := manager.New(store, orderBookCache, d, registry, metricsRegistry)
	mgr.BootstrapConfigPath = os.Getenv("ARBMON_CONFIG")

	serveObservability(metricsRegistry)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	log.Info().Msg("arbmon supervisor running")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return mgr.Stop(stopCtx)
}

// defaultFeeSchedule holds the built-in taker rates per venue. It is the
// only fee table the detector receives: BotConfig carries no fee fields, so
// these rates cannot be changed at runtime.
func defaultFeeSchedule() map[string]float64 {
	return map[string]float64{
		"binance":  0.001,
		"coinbase": 0.006,
		"kraken":   0.0026,
		"bybit":    0.001,
		"kucoin":   0.001,
		"gemini":   0.0035,
	}
}

// serveObservability starts the /metrics and /healthz endpoints on a
// background goroutine. A bind failure is logged, not fatal: only an
// unreachable store or missing required env aborts startup.
func serveObservability(m *metrics.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	addr := os.Getenv("ARBMON_METRICS_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", addr).Msg("observability server failed")
		}
	}()
}

// runHealthCheck is a one-shot connectivity probe used by deployment
// tooling; it never starts the pipeline itself.
func runHealthCheck(cmd *cobra.Command, args []string) error {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	store, err := config.NewStore(redisURL)
	if err != nil {
		return fmt.Errorf("connect config store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		db, err := sqlx.Connect("postgres", databaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres ping failed: %w", err)
		}
	}

	fmt.Println("ok")
	return nil
}
