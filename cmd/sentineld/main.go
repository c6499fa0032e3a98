package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"cronos-sentinel/internal/api"
	"cronos-sentinel/internal/config"
	"cronos-sentinel/internal/events"
	"cronos-sentinel/internal/observability/metrics"
	"cronos-sentinel/internal/payment"
	"cronos-sentinel/internal/settlement"
	"cronos-sentinel/pkg/logger"
)

// main 是 sentinel 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("sentineld 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("sentineld")

	alerts := buildAlerts(cfg)

	chains, err := buildChains(ctx, cfg)
	if err != nil {
		return err
	}
	defer chains.Close()

	led, err := buildLedger(ctx, cfg, chains)
	if err != nil {
		return err
	}

	history, err := buildHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = history.Close() }()

	queue, err := events.NewQueue(ctx, queueConfig(cfg))
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			lg.Warn("关闭事件队列失败", slog.Any("error", err))
		}
	}()
	publisher := events.NewPublisher(queue)

	cache, closeCache, err := buildCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	toggle, credentials, registry, err := buildAgents(cfg, chains, cache)
	if err != nil {
		return err
	}

	policy, err := buildPolicy(cfg)
	if err != nil {
		return err
	}

	gate := payment.NewGate(led,
		payment.WithAsset(cfg.Ledger.Asset, cfg.Ledger.ChainLabel),
		payment.WithTimeout(cfg.Ledger.Timeout.Std()))

	orchestrator, err := settlement.New(registry, gate, led, policy,
		settlement.WithLedgerTimeout(cfg.Ledger.Timeout.Std()),
		settlement.WithAICapability(toggle, credentials),
		settlement.WithOutcomeSink(publisher),
		settlement.WithAlertDispatcher(alerts))
	if err != nil {
		return err
	}

	authSvc, err := buildAuth(cfg)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Orchestrator: orchestrator,
		Gate:         gate,
		Toggle:       toggle,
		History:      history,
		Auth:         authSvc,
		Health:       healthCheck(cfg, chains),
	},
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		api.WithTimeouts(cfg.Server.ReadTimeout.Std(), cfg.Server.WriteTimeout.Std()))

	processor := events.NewProcessor(queue, history,
		events.WithWorkerCount(cfg.Events.Workers),
		events.WithProcessorLogger(logger.Named("events")),
		events.WithAlertDispatcher(alerts))

	lg.Info("sentinel 启动",
		slog.String("ledger", cfg.Ledger.Driver),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.Bool("ai_enabled", orchestrator.AIEnabled()),
		slog.Bool("auth", authSvc.Enabled()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return processor.Start(gctx) })
	if cfg.Events.Watch.Enabled {
		watcher := events.NewWatcher(led, publisher, watcherOptions(cfg, history, alerts)...)
		g.Go(func() error { return watcher.Run(gctx) })
	}
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error { return metrics.StartServer(gctx, cfg.Server.MetricsAddress) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("sentinel 已停止")
	return nil
}
