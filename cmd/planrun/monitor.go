package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sawpanic/planrun/internal/analysis"
	"github.com/sawpanic/planrun/internal/api"
	"github.com/sawpanic/planrun/internal/conditions"
	"github.com/sawpanic/planrun/internal/config"
	"github.com/sawpanic/planrun/internal/defense"
	"github.com/sawpanic/planrun/internal/engine"
	"github.com/sawpanic/planrun/internal/execution"
	"github.com/sawpanic/planrun/internal/marketdata"
	"github.com/sawpanic/planrun/internal/store"
	"github.com/sawpanic/planrun/internal/store/postgres"
	"github.com/sawpanic/planrun/internal/telemetry"
)

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd.Flags(), cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.NewMetrics()

	repo, err := buildRepo(ctx, cfg)
	if err != nil {
		return err
	}

	market, err := buildMarket(ctx, cfg, metrics)
	if err != nil {
		return err
	}

	exec := buildExecutor(cfg)
	registry := conditions.NewRegistry()
	evaluator := conditions.NewEvaluator(registry)

	var racer *analysis.Racer
	if cfg.Analysis.Enabled {
		racer = analysis.NewRacer(
			&analysis.ConfluenceAnalyzer{},
			&analysis.FlowAnalyzer{},
			cfg.Analysis.Deadline,
		)
	}

	var checker *defense.Checker
	if cfg.Defense.BaseURL != "" {
		checker = defense.NewChecker(
			defense.NewHTTPClient(cfg.Defense.BaseURL),
			defense.NewAutoKV(),
			defense.Config{
				FreshTTL:     cfg.Defense.FreshTTL,
				LastGoodTTL:  cfg.Defense.LastGoodTTL,
				QueryTimeout: cfg.Defense.QueryTimeout,
				Attempts:     cfg.Defense.Attempts,
			},
		)
		checker.OnDegraded(metrics.DefenseDegraded.Inc)
	}

	loopCfg := engine.LoopConfig{
		Interval:    cfg.Monitor.Interval,
		Timeframes:  parseTimeframes(cfg.Monitor.Timeframes),
		CandleCount: cfg.Monitor.CandleCount,
	}
	factory := func() *engine.Loop {
		return engine.NewLoop(loopCfg, repo, market, evaluator, exec, racer, metrics)
	}
	watchdog := engine.NewWatchdog(factory, repo, cfg.Monitor.WatchdogInterval, metrics)

	svc := engine.NewService(repo, registry, exec, checker)
	server := api.NewServer(api.ServerConfig{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, api.NewHandlers(svc, watchdog), metrics)

	go watchdog.Run(ctx)
	go func() {
		if err := server.Start(); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	log.Info().Str("addr", cfg.Server.Addr).Str("store", cfg.Store.Backend).
		Str("executor", cfg.Executor.Mode).Msg("engine started")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown failed")
	}
	log.Info().Msg("engine stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if cfg.Store.Backend != "postgres" {
		return fmt.Errorf("migrate requires the postgres store backend")
	}

	db, err := sqlx.ConnectContext(cmd.Context(), "postgres", cfg.Store.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer db.Close()

	repo := postgres.NewRepo(db, cfg.Store.Timeout)
	if err := repo.Migrate(cmd.Context()); err != nil {
		return err
	}
	log.Info().Msg("plan schema applied")
	return nil
}

func buildRepo(ctx context.Context, cfg *config.Config) (store.Repo, error) {
	switch cfg.Store.Backend {
	case "postgres":
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		return postgres.NewRepo(db, cfg.Store.Timeout), nil
	default:
		return store.NewMemoryRepo(), nil
	}
}

func buildMarket(ctx context.Context, cfg *config.Config, metrics *telemetry.Metrics) (*marketdata.Gateway, error) {
	if cfg.Market.BaseURL == "" {
		return nil, fmt.Errorf("market base_url is required (set market.base_url or PLANRUN_MARKET_URL)")
	}
	gwCfg := marketdata.DefaultGatewayConfig()
	if cfg.Market.CacheTTL > 0 {
		gwCfg.CacheTTL = cfg.Market.CacheTTL
	}
	if cfg.Market.FetchTimeout > 0 {
		gwCfg.FetchTimeout = cfg.Market.FetchTimeout
	}
	if cfg.Market.RequestsPerSec > 0 {
		gwCfg.RequestsPerSec = cfg.Market.RequestsPerSec
	}
	if cfg.Market.Burst > 0 {
		gwCfg.Burst = cfg.Market.Burst
	}
	gw := marketdata.NewGateway(marketdata.NewRESTSource(cfg.Market.BaseURL), gwCfg)
	gw.OnCacheEvent(metrics.CacheHits.Inc, metrics.CacheMisses.Inc)

	if cfg.Market.FeedURL != "" {
		feed := marketdata.NewQuoteFeed(cfg.Market.FeedURL, cfg.Market.Symbols)
		go feed.Run(ctx)
		gw.UseFeed(feed)
	}
	return gw, nil
}

// applyFlagOverrides lets explicitly set CLI flags win over the config file.
// Only flags the user actually passed are applied.
func applyFlagOverrides(flags *pflag.FlagSet, cfg *config.Config) {
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.Addr, _ = flags.GetString("addr")
		case "interval":
			cfg.Monitor.Interval, _ = flags.GetDuration("interval")
		case "paper":
			cfg.Executor.Mode = "paper"
		}
	})
}

func buildExecutor(cfg *config.Config) execution.Gateway {
	if cfg.Executor.Mode == "bridge" {
		return execution.NewBridgeGateway(cfg.Executor.BridgeURL)
	}
	return execution.NewPaperGateway()
}

func parseTimeframes(raw []string) []marketdata.Timeframe {
	var out []marketdata.Timeframe
	for _, s := range raw {
		tf, err := marketdata.ParseTimeframe(s)
		if err != nil {
			log.Warn().Str("timeframe", s).Msg("skipping unknown timeframe")
			continue
		}
		out = append(out, tf)
	}
	return out
}
