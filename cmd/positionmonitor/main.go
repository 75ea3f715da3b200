package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"positionmonitor/internal/config"
	"positionmonitor/internal/engine"
	"positionmonitor/internal/eventbus"
	"positionmonitor/internal/logger"
	"positionmonitor/internal/models"
	"positionmonitor/internal/priceoracle"
	"positionmonitor/internal/reporter"
	"positionmonitor/internal/store"
	"positionmonitor/internal/swapexecutor"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	storeKind := flag.String("store", "badger", "backing store: badger or memory")
	statusIntervalMs := flag.Int64("statusIntervalMs", 30_000, "interval between status table prints, 0 disables")
	flag.Parse()

	log := logger.Bootstrap()

	if err := godotenv.Load(); err != nil {
		log.Info("no .env file found, reading from the environment")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Warn("could not load config file, using defaults", zap.String("path", *configPath), zap.Error(err))
		cfg = config.Defaults()
	}

	log = logger.New(cfg.Log)
	defer log.Sync()

	if cfg.SwapAPIKey == "" {
		cfg.SwapAPIKey = os.Getenv("SWAP_API_KEY")
	}
	if cfg.SwapSecretKey == "" {
		cfg.SwapSecretKey = os.Getenv("SWAP_SECRET_KEY")
	}

	positionStore, err := openStore(*storeKind, cfg)
	if err != nil {
		log.Fatal("open store failed", zap.Error(err))
	}
	defer positionStore.Close()

	restOracle := priceoracle.NewRESTOracle(cfg.PriceBaseURL, log)
	oracle := priceoracle.NewStreamOracle(cfg.PriceWSBaseURL, restOracle, log)

	executor := swapexecutor.NewRESTExecutor(cfg.SwapAPIKey, cfg.SwapSecretKey, cfg.SwapBaseURL, log)

	bus := eventbus.New()
	auditEvents := bus.Subscribe()
	go logLifecycleEvents(log, auditEvents)

	eng := engine.New(cfg, positionStore, oracle, executor, bus, log)

	if err := eng.Start(context.Background()); err != nil {
		log.Fatal("engine start failed", zap.Error(err))
	}

	stopStatus := make(chan struct{})
	if *statusIntervalMs > 0 {
		go printStatusLoop(eng, time.Duration(*statusIntervalMs)*time.Millisecond, stopStatus)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	close(stopStatus)
	log.Info("shutting down")
	if err := eng.Stop(); err != nil {
		log.Error("engine stop returned an error", zap.Error(err))
	}
	oracle.Stop()
	bus.Close()
	log.Info("shutdown complete")
}

func openStore(kind string, cfg *models.Config) (store.PositionStore, error) {
	switch kind {
	case "memory":
		return store.NewMemory(), nil
	case "badger", "":
		return store.Open(cfg.BadgerPath, cfg.HistoryDBPath)
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}

func logLifecycleEvents(log *zap.Logger, events <-chan eventbus.Event) {
	for e := range events {
		switch e.Kind {
		case eventbus.PositionAdded:
			log.Info("position added", zap.String("tradeId", e.Position.TradeID), zap.String("symbol", e.Position.TokenSymbol))
		case eventbus.PositionExited:
			log.Info("position exited",
				zap.String("tradeId", e.Position.TradeID),
				zap.String("exitKind", string(e.Position.ExitData.ExitKind)),
				zap.String("profitLoss", e.Position.ExitData.ProfitLoss.String()))
		case eventbus.PositionExitFailed:
			log.Warn("position exit failed",
				zap.String("tradeId", e.Position.TradeID),
				zap.String("error", e.Position.ExitData.Error))
		}
	}
}

func printStatusLoop(eng *engine.Engine, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fmt.Println(reporter.Render(eng.GetStatus()))
		}
	}
}
