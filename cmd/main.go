// Command arbsaga runs one cross-venue arbitrage saga: buy on the source
// venue, transfer, confirm arrival, sell on the destination venue and
// return the proceeds. Every step attempt is persisted to an append-only
// ledger; sagas left open by a previous run are reported on startup for
// manual review.
//
// Usage:
//
//	arbsaga --config config.yaml --asset XLM --direction a_to_b --amount 100
//
// Required environment variables (a .env file is also honored):
//
//	BINANCE_API_KEY, BINANCE_API_SECRET
//	BYBIT_API_KEY, BYBIT_API_SECRET
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/hirokisan/bybit/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/baby1000001000/makeMoneyBot/config"
	"github.com/baby1000001000/makeMoneyBot/internal/entity"
	"github.com/baby1000001000/makeMoneyBot/internal/services/saga"
	"github.com/baby1000001000/makeMoneyBot/internal/services/scanner"
	"github.com/baby1000001000/makeMoneyBot/internal/services/snapshot"
	"github.com/baby1000001000/makeMoneyBot/internal/storage/ledger"
	"github.com/baby1000001000/makeMoneyBot/internal/venue"
)

const statusPollInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to yaml config")
	asset := flag.String("asset", "", "asset to arbitrage, example: XLM")
	direction := flag.String("direction", "auto",
		"a_to_b buys on binance and sells on bybit, b_to_a the reverse, auto picks the wider spread")
	amount := flag.String("amount", "", "quote currency amount to commit, example: 100")
	flag.Parse()

	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	committed, err := decimal.NewFromString(*amount)
	if err != nil {
		log.Fatalf("invalid --amount provided, --amount=%s", *amount)
	}

	binanceKey := os.Getenv("BINANCE_API_KEY")
	binanceSecret := os.Getenv("BINANCE_API_SECRET")
	if binanceKey == "" || binanceSecret == "" {
		log.Fatal("BINANCE_API_KEY and BINANCE_API_SECRET environment variables must be set")
	}
	bybitKey := os.Getenv("BYBIT_API_KEY")
	bybitSecret := os.Getenv("BYBIT_API_SECRET")
	if bybitKey == "" || bybitSecret == "" {
		log.Fatal("BYBIT_API_KEY and BYBIT_API_SECRET environment variables must be set")
	}

	venueA := venue.NewGuarded(
		venue.NewBinanceVenue(binance.NewClient(binanceKey, binanceSecret), cfg.QuoteCurrency),
		float64(cfg.VenueRPS))
	venueB := venue.NewGuarded(
		venue.NewBybitVenue(bybit.NewClient().WithAuth(bybitKey, bybitSecret), cfg.QuoteCurrency),
		float64(cfg.VenueRPS))

	store, err := ledger.NewWALStore(cfg.LedgerDir)
	if err != nil {
		logger.Fatal("failed to open ledger", zap.Error(err))
	}
	defer store.Close()

	open, err := store.OpenSagas()
	if err != nil {
		logger.Fatal("failed to scan ledger", zap.Error(err))
	}
	for _, id := range open {
		logger.Warn("saga without terminal record found in ledger, review before committing more funds",
			zap.String("saga_id", id))
	}

	dir := entity.Direction(*direction)
	if *direction == "auto" {
		snap := snapshot.New(logger, venueA, venueB, cfg.QuoteCurrency).
			Take(context.Background(), *asset)
		opps := scanner.Scan(snap, cfg.MinProfitPerUnit)
		if len(opps) == 0 {
			logger.Fatal("no arbitrage opportunity above threshold",
				zap.String("asset", *asset),
				zap.String("min_profit_per_unit", cfg.MinProfitPerUnit.String()))
		}
		dir = opps[0].Direction
		logger.Info("direction chosen from spread",
			zap.String("direction", dir.String()),
			zap.String("expected_profit_per_unit", opps[0].ExpectedProfitPerUnit.String()))
	}

	engine := saga.New(logger, venueA, venueB, store, saga.Config{
		QuoteCurrency:       cfg.QuoteCurrency,
		MinTradable:         cfg.MinTradableFor(*asset),
		PreferExisting:      cfg.PreferExisting,
		AutoBuy:             cfg.AutoBuy,
		NetworkPriority:     cfg.NetworkPriority,
		ArrivalPollInterval: cfg.ArrivalPollInterval,
		ArrivalTimeout:      cfg.ArrivalTimeout,
		ArrivalTolerance:    cfg.ArrivalTolerance,
		TakerFee:            cfg.TakerFee,
		SafetyBuffer:        cfg.SafetyBuffer,
		MinQuoteWithdraw:    cfg.MinQuoteWithdraw,
		ReturnFeeEstimate:   cfg.ReturnFeeEstimate,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	id, err := engine.Start(ctx, saga.Request{
		Asset:          *asset,
		Direction:      dir,
		CommittedQuote: committed,
	})
	if err != nil {
		logger.Fatal("saga rejected", zap.Error(err))
	}
	logger.Info("saga accepted", zap.String("saga_id", id))

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		run, err := engine.Status(id)
		if err != nil {
			logger.Fatal("saga vanished", zap.Error(err))
		}
		logger.Info("saga progress",
			zap.String("step", run.CurrentStep.String()),
			zap.String("funds_location", string(run.FundsLocation)),
			zap.String("status", run.Status.String()))
		if run.Status.Terminal() {
			logger.Info("saga finished",
				zap.String("status", run.Status.String()),
				zap.String("funds_location", string(run.FundsLocation)),
				zap.String("final_quote", run.FinalQuote.String()),
				zap.String("profit", run.Profit.String()))
			break
		}
	}
	engine.Wait()
}
