package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecgard/trustgate/internal/account"
	"github.com/alecgard/trustgate/internal/api"
	"github.com/alecgard/trustgate/internal/auth"
	"github.com/alecgard/trustgate/internal/billing"
	"github.com/alecgard/trustgate/internal/circuit"
	"github.com/alecgard/trustgate/internal/config"
	"github.com/alecgard/trustgate/internal/events"
	"github.com/alecgard/trustgate/internal/kv"
	"github.com/alecgard/trustgate/internal/latency"
	"github.com/alecgard/trustgate/internal/metering"
	"github.com/alecgard/trustgate/internal/metrics"
	"github.com/alecgard/trustgate/internal/provider"
	"github.com/alecgard/trustgate/internal/ratelimit"
	"github.com/alecgard/trustgate/internal/reputation"
	"github.com/alecgard/trustgate/internal/router"
	"github.com/alecgard/trustgate/internal/selector"
	"github.com/alecgard/trustgate/internal/settlement"
	"github.com/alecgard/trustgate/internal/usage"
	"github.com/alecgard/trustgate/internal/wallet"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Trustgate gateway server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// openKV returns the shared store and, for Redis, a pinger for health checks.
func openKV(ctx context.Context, cfg *config.Config) (kv.Store, api.Pinger, func(), error) {
	if cfg.Redis.URL == "" {
		slog.Warn("no redis configured, using in-process kv store")
		return kv.NewMemory(nil), nil, func() {}, nil
	}
	r, err := kv.OpenURL(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, nil, err
	}
	return r, r, func() { _ = r.Close() }, nil
}

func newSigner(cfg *config.Config) wallet.Signer {
	if cfg.Wallet.URL == "" {
		slog.Warn("no wallet service configured, routing runs in mock settlement mode")
		return wallet.Disabled{}
	}
	return wallet.NewHTTPSigner(cfg.Wallet.URL, cfg.Wallet.APIKey, cfg.Wallet.Timeout)
}

func newBilling(cfg *config.Config) billing.Collaborator {
	if cfg.Billing.URL == "" {
		return billing.Static{Allow: cfg.Billing.AllowOverage}
	}
	return billing.NewHTTPClient(cfg.Billing.URL, cfg.Billing.APIKey, cfg.Billing.Timeout)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	store, kvPinger, closeKV, err := openKV(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeKV()

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (int32, int32, int32) {
		s := pool.Stat()
		return s.TotalConns(), s.IdleConns(), s.AcquiredConns()
	})

	providerStore := provider.NewStore(pool)
	providerService := provider.NewService(providerStore)
	feedbackStore := provider.NewFeedbackStore(pool)
	favoriteStore := provider.NewFavoriteStore(pool)
	accountStore := account.NewStore(pool)
	budgetStore := account.NewBudgetStore(pool)
	meterStore := metering.NewStore(pool)

	collector := metering.NewCollector(meterStore, cfg.Metering.BatchSize, cfg.Metering.FlushInterval)
	collector.SetMetrics(m)
	go collector.Start(ctx)

	repQueue := reputation.NewQueue(reputation.NewStore(pool), cfg.Reputation.BatchSize, cfg.Reputation.MaxBuffer, cfg.Reputation.FlushInterval)
	repQueue.SetMetrics(m)
	go repQueue.Start(ctx)

	publisher := events.NewPublisher(store, cfg.Events.Channel, cfg.Events.Buffer)
	publisher.SetMetrics(m)
	go publisher.Start(ctx)

	sel := selector.New(providerStore, feedbackStore, favoriteStore, store)
	sel.SetMetrics(m)

	breaker := circuit.New(store, circuit.Config{
		Threshold: cfg.Circuit.Threshold,
		Cooldown:  cfg.Circuit.Cooldown,
		RecordTTL: cfg.Circuit.RecordTTL,
	})
	breaker.SetMetrics(m)

	executor := settlement.NewExecutor(newSigner(cfg), settlement.Config{
		FeeAddress:          cfg.Settlement.FeeAddress,
		Token:               cfg.Settlement.Token,
		Chain:               cfg.Settlement.Chain,
		GasEstimate:         cfg.Settlement.GasEstimate,
		ProbeTimeout:        cfg.Settlement.ProbeTimeout,
		ExecTimeout:         cfg.Settlement.ExecTimeout,
		BalanceBuffer:       cfg.Settlement.BalanceBuffer,
		OverchargeTolerance: cfg.Settlement.OverchargeTolerance,
	})
	executor.SetMetrics(m)

	latencyRecorder := latency.NewRecorder(store, providerStore, sel, latency.Config{
		WindowSize:     cfg.Latency.WindowSize,
		RecomputeEvery: cfg.Latency.RecomputeEvery,
		MinInterval:    cfg.Latency.MinInterval,
		TTL:            cfg.Latency.TTL,
	})
	latencyRecorder.SetMetrics(m)

	rt := router.New(sel, executor, breaker, collector)
	rt.SetLatencyRecorder(latencyRecorder)
	rt.SetBudgetSpender(budgetStore)
	rt.SetReputationSink(repQueue)
	rt.SetEventSink(publisher)
	rt.SetMetrics(m)
	rt.SetMaxRetries(cfg.Routing.MaxRetries)

	authService := auth.NewService(account.NewAuthAdapter(accountStore))
	authService.SetMetrics(m)

	limiter := ratelimit.New(store, ratelimit.Config{
		AccountLimit: cfg.RateLimit.Account,
		IPLimit:      cfg.RateLimit.IP,
		Window:       cfg.RateLimit.Window,
	})

	gate := usage.NewGate(store, newBilling(cfg))
	gate.SetMetrics(m)

	deps := api.RouterDeps{
		Providers:      providerService,
		Feedback:       feedbackStore,
		Favorites:      favoriteStore,
		Ranker:         sel,
		Breaker:        breaker,
		Router:         rt,
		Accounts:       accountStore,
		Budgets:        budgetStore,
		Usage:          meterStore,
		Reputation:     repQueue,
		Events:         publisher,
		Auth:           authService,
		Limiter:        limiter,
		Gate:           gate,
		Metrics:        m,
		DBPool:         pool,
		AdminKey:       cfg.Auth.AdminKey,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		ExemptPaths:    cfg.Usage.ExemptPaths,
		DefaultFeePct:  cfg.Routing.DefaultFeePct,
	}
	if kvPinger != nil {
		deps.KV = kvPinger
	}
	if cfg.Auth.AdminKey == "" {
		slog.Warn("no admin key configured, admin endpoints are disabled")
	}

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)

	// Drain the background sinks while the pool and kv store are still open;
	// each Stop returns after its final flush.
	latencyRecorder.Wait()
	collector.Stop()
	repQueue.Stop()
	publisher.Stop()
	slog.Info("background sinks drained")

	return err
}
