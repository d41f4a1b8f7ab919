package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stablemint/bank"
	"stablemint/config"
	"stablemint/core/events"
	"stablemint/feeds"
	"stablemint/native/stable"
	"stablemint/observability"
	"stablemint/observability/logging"
	"stablemint/rpc"
	"stablemint/state"
	"stablemint/storage"
)

// logEmitter forwards engine events to the structured log and records
// liquidation totals in metrics.
type logEmitter struct {
	log     *slog.Logger
	metrics *observability.EngineMetrics
}

func (l *logEmitter) Emit(payload events.Payload) {
	evt := payload.Event()
	attrs := make([]any, 0, len(evt.Attributes)*2)
	for key, value := range evt.Attributes {
		attrs = append(attrs, key, value)
	}
	l.log.Info(evt.Type, attrs...)

	if liq, ok := payload.(events.Liquidated); ok {
		l.metrics.ObserveLiquidation(liq.DebtCovered, liq.CollateralSeized)
	}
}

func run() error {
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration file")
	env := flag.String("env", "dev", "deployment environment label for logs")
	flag.Parse()

	logger := logging.Setup("stabled", *env)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ledgerBank := bank.NewBank(db)
	custody := cfg.CustodyAddress()

	tokens := cfg.TokenAddresses()
	priceFeeds := make([]stable.PriceFeed, 0, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		priceFeeds = append(priceFeeds, feeds.NewFileFeed(asset.PriceFeed))
	}

	engine, err := stable.NewEngine(custody, tokens, priceFeeds, bank.NewCustodyTransfers(ledgerBank, custody), ledgerBank)
	if err != nil {
		return fmt.Errorf("construct engine: %w", err)
	}

	positions := state.NewPositionStore(db)
	if err := positions.Load(engine); err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	engine.SetPositionStore(positions)
	engine.SetEmitter(&logEmitter{log: logger, metrics: observability.Metrics()})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics listener starting", "address", cfg.MetricsAddress)
		if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
			logger.Error("metrics listener stopped", "error", err.Error())
		}
	}()

	logger.Info("rpc listener starting",
		"address", cfg.ListenAddress,
		"custody", custody.Hex(),
		"assets", len(cfg.Assets),
		"minHealthFactor", engine.MinHealthFactor().String(),
	)
	return rpc.NewServer(engine, logger).Start(cfg.ListenAddress)
}

func main() {
	if err := run(); err != nil {
		slog.Error("stabled exited", "error", err.Error())
		os.Exit(1)
	}
}
