// Command engine is the process entrypoint: it loads configuration,
// constructs every component, wires the WebSocket callbacks and
// instrument-registry hooks between them, runs startup recovery before
// admitting any buys, and serves until SIGINT/SIGTERM, grounded on
// market_maker/internal/bootstrap/app.go's signal.NotifyContext-based
// shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hourbuy/internal/config"
	"hourbuy/internal/core"
	"hourbuy/internal/exchange"
	"hourbuy/internal/lifecycle"
	"hourbuy/internal/logging"
	"hourbuy/internal/orderstore"
	"hourbuy/internal/price"
	"hourbuy/internal/recovery"
	"hourbuy/internal/registry"
	"hourbuy/internal/scheduler"
	"hourbuy/internal/strategy"
	"hourbuy/internal/supervisor"
	"hourbuy/internal/telemetry"
	"hourbuy/pkg/concurrency"

	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}

	// telemetry.Setup installs the global OTel providers before the logger
	// is built: otelzap.NewCore captures the log provider reference at
	// construction time, so a logger built first would bridge to nothing.
	tel, err := telemetry.Setup("hourbuy")
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: telemetry init: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "engine: telemetry shutdown: %v\n", err)
		}
	}()

	logger, err := logging.New(cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: logger init: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	defer logger.Sync()

	metricsServer := telemetry.NewServer(cfg.Telemetry.MetricsPort, logger)
	metricsServer.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Stop(ctx)
	}()

	if err := run(cfg, logger); err != nil {
		logger.Error("engine exited with error", "error", err.Error())
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.ZapLogger) error {
	instruments := registry.New(cfg.Trading.InstrumentLimitsPath, cfg.Trading.BlacklistPath, logger)
	if err := instruments.Load(); err != nil {
		return fmt.Errorf("instrument registry: %w", err)
	}

	gw := exchange.New(cfg.Exchange, logger)
	defer gw.Close()
	gw.OnResubscribed(func() {
		telemetry.GetGlobalMetrics().RecordWSReconnect(context.Background())
	})

	gainVeto := decimal.NewFromFloat(cfg.Trading.TwoHourGainVetoPercent)
	prices := price.New(gw, gainVeto, logger)

	store, err := orderstore.Open(cfg.Database.DSN, logger)
	if err != nil {
		return fmt.Errorf("order store: %w", err)
	}
	defer store.Close()

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "engine",
		MaxWorkers: cfg.Concurrency.ThreadPoolMaxWorkers,
	}, logger)
	defer pool.Stop()

	tradingUSDT := decimal.NewFromFloat(cfg.Trading.TradingAmountUSDT)
	deps := strategy.Deps{Registry: instruments, Prices: prices, TradingUSDT: tradingUSDT}

	lifecycleCfg := lifecycle.DefaultConfig()
	lifecycleCfg.CancelTimeout = time.Duration(cfg.Timing.OrderTimeoutSeconds) * time.Second

	// The lifecycle manager is built before the strategies since every
	// strategy's Deps.Submitter points back at it, but its Hooks (which
	// point forward at the strategies) are only assignable once the
	// strategies themselves exist; hourbuy breaks that cycle the same way
	// spec §9 does, by filling lifecycle.Hooks in a second step.
	lc := lifecycle.New(lifecycleCfg, gw, store, instruments, prices, pool, logger, lifecycle.Hooks{})

	stratDeps := deps
	stratDeps.Submitter = lc

	hourLimit := strategy.NewHourLimit(stratDeps)
	stable := strategy.NewStable(stratDeps, time.Duration(cfg.Trading.StableSeconds)*time.Second)
	batch := strategy.NewBatch(stratDeps, time.Duration(cfg.Trading.BatchMinDelayMinutes)*time.Minute)
	originalGap := strategy.NewOriginalGap(stratDeps, time.Duration(cfg.Trading.OriginalGapCooldownSeconds)*time.Second)

	lc.SetHooks(lifecycle.Hooks{
		HourLimit:   hourLimit,
		Stable:      stable,
		Batch:       batch,
		OriginalGap: originalGap,
	})

	evaluators := []strategy.Evaluator{hourLimit, stable, batch, originalGap}

	sellScheduler := scheduler.NewSellScheduler(lc, pool, logger)
	candleDispatcher := scheduler.NewCandleDispatcher(lc, pool, logger)

	recoveryMgr := recovery.New(recovery.DefaultConfig(), store, gw, lc, logger)

	superCfg := supervisor.Config{
		HeartbeatInterval:    time.Duration(cfg.Timing.HeartbeatIntervalSeconds) * time.Second,
		HeartbeatTimeout:     time.Duration(cfg.Timing.HeartbeatTimeoutSeconds) * time.Second,
		CandleStaleThreshold: time.Duration(cfg.Timing.CandleTimeoutMinutes) * time.Minute,
		MaxPoolOccupancy:     supervisor.DefaultConfig().MaxPoolOccupancy,
	}
	super := supervisor.New(superCfg, pool, prices, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Recovery runs once, synchronously, before any subscription is
	// opened: a restart must never admit a new buy while a filled-but-
	// unsold position from a prior run is still unknown to the in-memory
	// maps (spec §4.7(ii)).
	recoveryMgr.RunStartupRecovery(ctx)

	tickerCB := func(instrument string, p decimal.Decimal, at time.Time) {
		prices.OnTick(instrument, p, at)
		for _, ev := range evaluators {
			ev.OnTick(ctx, instrument, p, at)
		}
	}
	candleCB := func(candle core.Candle) {
		super.OnCandle(candle)
		candleDispatcher.OnCandle(candle)
	}

	snapshot := instruments.Snapshot()
	symbols := make([]string, 0, len(snapshot))
	for _, inst := range snapshot {
		symbols = append(symbols, inst.Symbol)
		super.TrackInstrument(inst.Symbol)
	}
	if len(symbols) > 0 {
		if err := gw.SubscribeTickers(ctx, symbols, tickerCB); err != nil {
			return fmt.Errorf("subscribe tickers: %w", err)
		}
		if err := gw.SubscribeCandles(ctx, symbols, candleCB); err != nil {
			return fmt.Errorf("subscribe candles: %w", err)
		}
	}

	instruments.OnAdded(func(inst core.Instrument) {
		super.TrackInstrument(inst.Symbol)
		if err := gw.SubscribeTickers(ctx, []string{inst.Symbol}, tickerCB); err != nil {
			logger.Error("subscribe ticker for added instrument failed", "instrument", inst.Symbol, "error", err.Error())
		}
		if err := gw.SubscribeCandles(ctx, []string{inst.Symbol}, candleCB); err != nil {
			logger.Error("subscribe candle for added instrument failed", "instrument", inst.Symbol, "error", err.Error())
		}
	})
	instruments.OnRemoved(func(symbol string) {
		super.UntrackInstrument(symbol)
		gw.UnsubscribeTicker(symbol)
		gw.UnsubscribeCandle(symbol)
	})

	if err := sellScheduler.Start(); err != nil {
		return fmt.Errorf("sell scheduler: %w", err)
	}
	defer sellScheduler.Stop()

	if err := recoveryMgr.Start(); err != nil {
		return fmt.Errorf("recovery manager: %w", err)
	}
	defer recoveryMgr.Stop()

	if err := super.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	defer super.Stop()

	logger.Info("engine started", "instruments", len(symbols), "simulation_mode", cfg.Exchange.SimulationMode)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")
	return nil
}
