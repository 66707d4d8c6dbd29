package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"spottrader/internal/audit"
	"spottrader/internal/config"
	"spottrader/internal/core"
	"spottrader/internal/emergency"
	"spottrader/internal/exchange/binance"
	"spottrader/internal/execution"
	"spottrader/internal/marketdata"
	"spottrader/internal/monitor"
	"spottrader/internal/optimize"
	"spottrader/internal/orchestrator"
	"spottrader/internal/risk"
	sqlstore "spottrader/internal/store"
	"spottrader/internal/strategy"
	"spottrader/pkg/concurrency"
	"spottrader/pkg/logging"
	"spottrader/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "configs/trader.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("trader version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Best effort: secrets normally arrive through the environment
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info("Starting trader",
		"version", version,
		"symbols", cfg.Trading.Symbols,
		"quote", cfg.Trading.QuoteCurrency,
		"testnet", cfg.Exchange.Testnet,
	)

	providers, err := telemetry.Setup("spottrader", version, cfg.Telemetry.EnableTracing)
	if err != nil {
		logger.Warn("Telemetry setup failed, continuing without instrumentation", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := providers.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Telemetry shutdown incomplete", "error", err)
			}
		}()
	}
	var metricsServer *telemetry.Server
	if cfg.Telemetry.EnableMetrics {
		metricsServer = telemetry.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsServer.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, metricsServer); err != nil {
		logger.Error("Trader exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger core.ILogger, metricsServer *telemetry.Server) error {
	exchange := binance.NewClient(&cfg.Exchange, cfg.Trading.QuoteCurrency, logger)
	if err := exchange.Start(ctx); err != nil {
		return fmt.Errorf("exchange start: %w", err)
	}

	balance, err := exchange.GetBalance(ctx, cfg.Trading.QuoteCurrency)
	if err != nil {
		return fmt.Errorf("initial balance: %w", err)
	}
	logger.Info("Account funded", "quote", cfg.Trading.QuoteCurrency, "balance", balance.String())

	// The store is optional: a persistence failure downgrades to
	// in-memory operation instead of refusing to trade.
	var tradeStore core.ITradeStore
	if cfg.Store.Path != "" {
		s, err := sqlstore.New(cfg.Store.Path, logger)
		if err != nil {
			logger.Error("Trade store unavailable, continuing without persistence", "error", err)
		} else {
			tradeStore = s
			defer func() { _ = s.Close() }()
		}
	}

	auditLog, err := audit.NewLogger(&cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("audit logger: %w", err)
	}
	defer func() { _ = auditLog.Close() }()

	manager := risk.NewManager(&cfg.Risk, &cfg.Trading, logger)
	manager.StartDay(balance)

	market := marketdata.NewService(exchange, &cfg.Trading, logger)
	engine := strategy.NewEngine(&cfg.Strategy, logger)
	executor := execution.NewExecutor(exchange, &cfg.Execution, cfg.Trading.QuoteCurrency, logger)
	closer := execution.NewCloser(exchange, executor.Poller(), manager, cfg.Monitor.FeeRate, logger)
	controller := emergency.NewController(&cfg.Emergency, manager, exchange, closer, tradeStore, logger)
	positionMonitor := monitor.New(&cfg.Monitor, exchange, manager, closer, tradeStore, logger)

	orch := orchestrator.New(&cfg.Trading, exchange, market, engine, manager,
		executor, controller, auditLog, tradeStore, logger)
	if err := orch.Recover(ctx); err != nil {
		logger.Error("Position recovery failed", "error", err)
	}

	// Live streams keep the REST caches fresh between cycles
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{MaxWorkers: 4, MaxCapacity: 256}, logger)
	defer pool.Stop()
	streams := marketdata.NewStreamHub(cfg.Exchange.WSBaseURL, pool, logger)
	streams.SubscribeKlines(ctx, cfg.Trading.Symbols, cfg.Trading.CandleInterval,
		func(symbol string, _ core.Candle) { market.Invalidate(symbol) })
	streams.SubscribeBookTicker(ctx, cfg.Trading.Symbols,
		func(symbol string, bid, _, ask, _ decimal.Decimal) {
			market.SetLastPrice(symbol, bid.Add(ask).Div(decimal.NewFromInt(2)))
		})
	streams.SubscribeTrades(ctx, cfg.Trading.Symbols,
		func(symbol string, trade core.Trade) {
			market.SetLastPrice(symbol, trade.Price)
			market.InvalidateTrades(symbol)
		})

	auditLog.LogSystem(audit.EventBotStarted, "trader started", map[string]interface{}{
		"version": version,
		"symbols": cfg.Trading.Symbols,
	})

	go func() {
		if err := positionMonitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Position monitor terminated", "error", err)
		}
	}()
	if tradeStore != nil {
		optimizer := optimize.NewAgent(&cfg.Optimizer, tradeStore, logger)
		go optimizer.Run(ctx)
	}

	orch.Run(ctx)

	// Past this point the context is cancelled; use a fresh one to finish
	// the shutdown work.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if cfg.System.CloseOnExit {
		logger.Info("Closing all open positions on exit")
		result := controller.CloseAllPositions(shutdownCtx, execution.ReasonShutdown, false)
		logger.Info("Shutdown closure complete",
			"closed", result.Closed, "failed", len(result.Failed), "pnl", result.TotalPnL.String())
	}

	auditLog.LogSystem(audit.EventBotStopped, "trader stopped", nil)
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	logger.Info("Trader stopped")
	return nil
}
