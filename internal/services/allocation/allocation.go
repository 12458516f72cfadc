// Package allocation decides how to source the asset for an arbitrage run:
// use inventory already held, buy the shortfall first, or refuse. The gate
// is a pure function over a snapshot and performs no I/O.
package allocation

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/baby1000001000/makeMoneyBot/internal/entity"
)

// ErrInvalidSnapshot is returned when any of the four snapshot prices is
// not strictly positive; such snapshots must not drive decisions.
var ErrInvalidSnapshot = errors.New("snapshot is invalid")

// slippage/fee headroom applied when estimating the quote budget for a buy
var buyBuffer = decimal.NewFromFloat(1.1)

// Strategy names the outcome of the gate.
type Strategy string

const (
	// StrategyUseExisting runs the saga on inventory already held.
	StrategyUseExisting Strategy = "use_existing"
	// StrategyBuyThenArbitrage buys the shortfall before transferring.
	StrategyBuyThenArbitrage Strategy = "buy_then_arbitrage"
	// StrategyInsufficientFunds refuses the run.
	StrategyInsufficientFunds Strategy = "insufficient_funds"
)

// Decision is the gate's verdict for one snapshot.
type Decision struct {
	Strategy Strategy
	// Amount is the usable existing inventory for StrategyUseExisting.
	Amount decimal.Decimal
	// NeedToBuy and BuyPrice are set for StrategyBuyThenArbitrage.
	NeedToBuy decimal.Decimal
	BuyPrice  decimal.Decimal
}

// Params configure one gate evaluation.
type Params struct {
	MinTradable    decimal.Decimal
	PreferExisting bool
	AutoBuy        bool
}

// Decide evaluates the gate against a snapshot. Deterministic, no side
// effects. An invalid snapshot is rejected before any strategy is
// considered.
func Decide(snap entity.Snapshot, p Params) (Decision, error) {
	if !snap.Valid() {
		return Decision{}, ErrInvalidSnapshot
	}

	inventory := snap.TotalAsset()
	if inventory.GreaterThanOrEqual(p.MinTradable) && p.PreferExisting {
		return Decision{Strategy: StrategyUseExisting, Amount: inventory}, nil
	}

	if p.AutoBuy {
		needToBuy := p.MinTradable.Sub(inventory)
		if needToBuy.LessThanOrEqual(decimal.Zero) {
			// inventory already covers the minimum; buying more would be
			// a meaningless decision even when existing is not preferred
			return Decision{Strategy: StrategyUseExisting, Amount: inventory}, nil
		}
		buyPrice := snap.VenueA.BestAsk
		if snap.VenueB.BestAsk.LessThan(buyPrice) {
			buyPrice = snap.VenueB.BestAsk
		}

		requiredQuote := needToBuy.Mul(buyPrice).Mul(buyBuffer)
		if snap.TotalQuote().GreaterThanOrEqual(requiredQuote) {
			return Decision{Strategy: StrategyBuyThenArbitrage, NeedToBuy: needToBuy, BuyPrice: buyPrice}, nil
		}
	}

	return Decision{Strategy: StrategyInsufficientFunds}, nil
}
