package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/baby1000001000/makeMoneyBot/internal/entity"
	"github.com/baby1000001000/makeMoneyBot/internal/services/allocation"
	"github.com/baby1000001000/makeMoneyBot/internal/services/arrival"
	"github.com/baby1000001000/makeMoneyBot/internal/venue"
	"github.com/baby1000001000/makeMoneyBot/pkg/retrier"
)

// submitTimeout bounds a single mutating call. Exceeding it means the
// outcome is unknown, not that the action failed.
const submitTimeout = 30 * time.Second

// fallbackBalanceShare is the fraction of the expected quantity a venue
// must hold before a fallback sell is attempted there.
var fallbackBalanceShare = decimal.NewFromFloat(0.8)

func (e *Engine) endpoints(d entity.Direction) (src, dst venue.Venue) {
	if d == entity.DirectionBtoA {
		return e.venueB, e.venueA
	}
	return e.venueA, e.venueB
}

func (r *run) sourceState() entity.VenueState {
	if r.s.Direction == entity.DirectionBtoA {
		return r.snap.VenueB
	}
	return r.snap.VenueA
}

func (e *Engine) execute(ctx context.Context, r *run) {
	src, dst := e.endpoints(r.s.Direction)
	log := e.logger.With(
		zap.String("saga_id", r.s.ID),
		zap.String("asset", r.s.Asset),
		zap.String("direction", r.s.Direction.String()),
	)

	e.record(r, entity.StepInit,
		fmt.Sprintf("committed=%s strategy=%s", r.s.CommittedQuote, r.dec.Strategy),
		"accepted")
	log.Info("saga started",
		zap.String("committed_quote", r.s.CommittedQuote.String()),
		zap.String("strategy", string(r.dec.Strategy)))

	qty, ok := e.stepBuy(ctx, r, src, log)
	if !ok || e.cancelledBetweenSteps(ctx, r, log) {
		return
	}

	qty, ok = e.stepWithdraw(ctx, r, src, dst, qty, log)
	if !ok || e.cancelledBetweenSteps(ctx, r, log) {
		return
	}

	qty, ok = e.stepAwaitArrival(ctx, r, src, dst, qty, log)
	if !ok || e.cancelledBetweenSteps(ctx, r, log) {
		return
	}

	proceeds, soldAtSource, ok := e.stepSell(ctx, r, src, dst, qty, log)
	if !ok {
		return
	}
	if soldAtSource {
		// the asset never left (or bounced back); the proceeds are already
		// at the source venue, so there is nothing to return
		e.finish(r, entity.StepCompleted, entity.SagaStatusCompleted,
			"sold at source venue after fallback, no return transfer needed", log)
		return
	}
	if e.cancelledBetweenSteps(ctx, r, log) {
		return
	}

	returned, ok := e.stepReturnWithdraw(ctx, r, src, dst, proceeds, log)
	if !ok {
		return
	}

	e.stepConfirmReturn(ctx, r, src, returned, log)
	e.finish(r, entity.StepCompleted, entity.SagaStatusCompleted, "round trip finished", log)
}

// stepBuy acquires the asset on the source venue. With an existing-inventory
// decision it only verifies what the source actually holds.
func (e *Engine) stepBuy(ctx context.Context, r *run, src venue.Venue, log *zap.Logger) (decimal.Decimal, bool) {
	if r.dec.Strategy == allocation.StrategyUseExisting {
		qty := r.sourceState().AssetFree
		if qty.LessThanOrEqual(decimal.Zero) {
			e.record(r, entity.StepBought, "use existing inventory", "no inventory at source venue")
			e.finish(r, entity.StepBought, entity.SagaStatusAbortedSafe,
				"existing inventory is not held at the source venue", log)
			return decimal.Zero, false
		}

		r.setStep(entity.StepBought)
		r.setLocation(entity.FundsSourceAsset)
		r.addOutcome(entity.StepBought, "skipped", "using existing inventory")
		e.record(r, entity.StepBought, "use existing inventory", fmt.Sprintf("qty=%s", qty))
		log.Info("buy skipped, using existing inventory", zap.String("qty", qty.String()))
		return qty, true
	}

	ask := r.sourceState().BestAsk
	qty := r.s.CommittedQuote.Mul(e.cfg.BuyFeeMargin).Div(ask)
	input := fmt.Sprintf("side=buy qty=%s ask=%s", qty, ask)

	subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
	orderID, err := src.PlaceMarketOrder(subCtx, r.s.Asset, venue.SideBuy, qty)
	cancel()
	if err != nil {
		e.record(r, entity.StepBought, input, "submit failed: "+err.Error())
		if isAmbiguous(err) {
			return e.reconcileBuyByBalance(ctx, r, src, qty, log)
		}
		e.finish(r, entity.StepBought, entity.SagaStatusAbortedSafe,
			"buy order rejected, committed quote untouched", log)
		return decimal.Zero, false
	}

	order, err := retryQuery(e, ctx, func(ctx context.Context) (venue.Order, error) {
		return src.Order(ctx, r.s.Asset, orderID)
	})
	if err != nil {
		e.record(r, entity.StepBought, input, "fill query failed: "+err.Error())
		e.finish(r, entity.StepBought, entity.SagaStatusAbortedUnknown,
			"buy submitted but fill could not be confirmed", log)
		return decimal.Zero, false
	}

	minFill := qty.Mul(e.cfg.MinFillRatio)
	if order.ExecutedQty.LessThan(minFill) {
		e.record(r, entity.StepBought, input,
			fmt.Sprintf("underfilled: executed=%s status=%s", order.ExecutedQty, order.Status))
		e.finish(r, entity.StepBought, entity.SagaStatusAbortedSafe,
			"buy fill below acceptable ratio", log)
		return decimal.Zero, false
	}

	spent := order.ExecutedQty.Mul(order.AvgPrice)
	if spent.LessThanOrEqual(decimal.Zero) {
		spent = r.s.CommittedQuote
	}
	r.mu.Lock()
	r.spent = spent
	r.mu.Unlock()

	r.setStep(entity.StepBought)
	r.setLocation(entity.FundsSourceAsset)
	r.addOutcome(entity.StepBought, "ok",
		fmt.Sprintf("executed=%s avg=%s", order.ExecutedQty, order.AvgPrice))
	e.record(r, entity.StepBought, input,
		fmt.Sprintf("filled: executed=%s avg=%s spent=%s", order.ExecutedQty, order.AvgPrice, spent))
	log.Info("bought",
		zap.String("executed_qty", order.ExecutedQty.String()),
		zap.String("avg_price", order.AvgPrice.String()),
		zap.String("spent", spent.String()))
	return order.ExecutedQty, true
}

// reconcileBuyByBalance resolves an ambiguous buy submission by comparing
// the source asset balance against the pre-saga snapshot.
func (e *Engine) reconcileBuyByBalance(ctx context.Context, r *run, src venue.Venue, wantQty decimal.Decimal, log *zap.Logger) (decimal.Decimal, bool) {
	balances, err := retryQuery(e, ctx, func(ctx context.Context) (map[string]decimal.Decimal, error) {
		return src.Balances(ctx)
	})
	if err != nil {
		e.record(r, entity.StepBought, "reconcile by balance", "balance query failed: "+err.Error())
		e.finish(r, entity.StepBought, entity.SagaStatusAbortedUnknown,
			"buy outcome unknown and source balance unreadable", log)
		return decimal.Zero, false
	}

	gained := balances[r.s.Asset].Sub(r.sourceState().AssetFree)
	if gained.GreaterThanOrEqual(wantQty.Mul(e.cfg.MinFillRatio)) {
		r.mu.Lock()
		r.spent = r.s.CommittedQuote
		r.mu.Unlock()

		r.setStep(entity.StepBought)
		r.setLocation(entity.FundsSourceAsset)
		r.addOutcome(entity.StepBought, "ok", "confirmed via balance delta after submit timeout")
		e.record(r, entity.StepBought, "reconcile by balance", fmt.Sprintf("gained=%s", gained))
		log.Warn("buy confirmed via balance delta", zap.String("gained", gained.String()))
		return gained, true
	}

	e.record(r, entity.StepBought, "reconcile by balance", fmt.Sprintf("gained=%s, treating as not executed", gained))
	e.finish(r, entity.StepBought, entity.SagaStatusAbortedSafe,
		"buy submit timed out and balance shows no fill", log)
	return decimal.Zero, false
}

// stepWithdraw moves the bought asset to the destination venue.
func (e *Engine) stepWithdraw(ctx context.Context, r *run, src, dst venue.Venue, qty decimal.Decimal, log *zap.Logger) (decimal.Decimal, bool) {
	addr, err := retryQuery(e, ctx, func(ctx context.Context) (venue.DepositAddress, error) {
		return dst.DepositAddress(ctx, r.s.Asset, "")
	})
	if err != nil {
		e.record(r, entity.StepWithdrawalSubmitted, "resolve deposit address", err.Error())
		e.finish(r, entity.StepWithdrawalSubmitted, entity.SagaStatusAbortedSafe,
			"destination deposit address unavailable, asset stays at source", log)
		return decimal.Zero, false
	}

	minQty, err := retryQuery(e, ctx, func(ctx context.Context) (decimal.Decimal, error) {
		return src.MinWithdrawQuantity(ctx, r.s.Asset)
	})
	if err != nil {
		// let the withdraw call itself enforce the minimum; a clean
		// rejection there still leaves the asset at the source
		log.Warn("minimum withdraw quantity unavailable", zap.Error(err))
		minQty = decimal.Zero
	}
	if qty.LessThan(minQty) {
		e.record(r, entity.StepWithdrawalSubmitted,
			fmt.Sprintf("qty=%s min=%s", qty, minQty), "below venue minimum")
		e.finish(r, entity.StepWithdrawalSubmitted, entity.SagaStatusAbortedSafe,
			"quantity below the venue withdrawal minimum", log)
		return decimal.Zero, false
	}

	input := fmt.Sprintf("qty=%s address=%s network=%s", qty, addr.Address, addr.Network)
	subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
	withdrawalID, err := src.Withdraw(subCtx, r.s.Asset, addr, qty)
	cancel()
	if err != nil {
		e.record(r, entity.StepWithdrawalSubmitted, input, "submit failed: "+err.Error())
		if isAmbiguous(err) {
			e.finish(r, entity.StepWithdrawalSubmitted, entity.SagaStatusAbortedUnknown,
				"withdrawal submit timed out, asset location unconfirmed", log)
		} else {
			e.finish(r, entity.StepWithdrawalSubmitted, entity.SagaStatusAbortedSafe,
				"withdrawal rejected, asset stays at source", log)
		}
		return decimal.Zero, false
	}

	r.setStep(entity.StepWithdrawalSubmitted)
	r.setLocation(entity.FundsInTransitAsset)
	r.setWithdrawalRef(entity.StepWithdrawalSubmitted, withdrawalID)
	r.addOutcome(entity.StepWithdrawalSubmitted, "ok", "id="+withdrawalID)
	e.record(r, entity.StepWithdrawalSubmitted, input, "submitted id="+withdrawalID)
	log.Info("withdrawal submitted",
		zap.String("withdrawal_id", withdrawalID),
		zap.String("qty", qty.String()),
		zap.String("network", addr.Network))
	return qty, true
}

// stepAwaitArrival watches the destination balance, falling back to the
// withdrawal status query when the transfer does not show up in time.
func (e *Engine) stepAwaitArrival(ctx context.Context, r *run, src, dst venue.Venue, qty decimal.Decimal, log *zap.Logger) (decimal.Decimal, bool) {
	res, err := e.monitor.Await(ctx, dst, r.s.Asset, qty)
	if err != nil {
		if ctx.Err() != nil {
			e.record(r, entity.StepArrivalConfirmed, "await arrival", "cancelled while in transit")
			e.finish(r, entity.StepArrivalConfirmed, entity.SagaStatusAbortedUnknown,
				"cancelled while the transfer was in flight", log)
			return decimal.Zero, false
		}
		e.record(r, entity.StepArrivalConfirmed, "await arrival", err.Error())
		return e.reconcileWithdrawal(ctx, r, src, qty, decimal.Zero, log)
	}

	if res.State == arrival.StateConfirmed {
		r.setStep(entity.StepArrivalConfirmed)
		r.setLocation(entity.FundsDestAsset)
		r.addOutcome(entity.StepArrivalConfirmed, "ok", "observed="+res.Observed.String())
		e.record(r, entity.StepArrivalConfirmed,
			fmt.Sprintf("expected=%s", qty), "confirmed observed="+res.Observed.String())
		log.Info("arrival confirmed", zap.String("observed", res.Observed.String()))
		return res.Observed, true
	}

	e.record(r, entity.StepArrivalConfirmed,
		fmt.Sprintf("expected=%s", qty),
		fmt.Sprintf("balance watch %s, observed=%s", res.State, res.Observed))
	log.Warn("arrival not confirmed by balance watch",
		zap.String("state", string(res.State)),
		zap.String("observed", res.Observed.String()))
	return e.reconcileWithdrawal(ctx, r, src, qty, res.Observed, log)
}

// reconcileWithdrawal asks the source venue for the authoritative state of
// the transfer after the balance watch came up short.
func (e *Engine) reconcileWithdrawal(ctx context.Context, r *run, src venue.Venue, qty, observed decimal.Decimal, log *zap.Logger) (decimal.Decimal, bool) {
	r.mu.RLock()
	withdrawalID := r.s.WithdrawalRefs[entity.StepWithdrawalSubmitted]
	r.mu.RUnlock()

	state, err := retryQuery(e, ctx, func(ctx context.Context) (venue.WithdrawalState, error) {
		return src.WithdrawalStatus(ctx, r.s.Asset, withdrawalID)
	})
	if err != nil {
		state = venue.WithdrawalUnknown
	}

	e.record(r, entity.StepArrivalConfirmed, "withdrawal status id="+withdrawalID, string(state))

	switch state {
	case venue.WithdrawalCompleted:
		// the venue says the transfer landed even though the balance watch
		// missed it; trust the authoritative answer and proceed
		r.setStep(entity.StepArrivalConfirmed)
		r.setLocation(entity.FundsDestAsset)
		r.addOutcome(entity.StepArrivalConfirmed, "ok", "confirmed by withdrawal status after balance watch miss")
		log.Warn("proceeding on withdrawal status", zap.String("withdrawal_id", withdrawalID))
		if observed.GreaterThan(decimal.Zero) {
			return observed, true
		}
		return qty, true
	case venue.WithdrawalFailed:
		r.setLocation(entity.FundsSourceAsset)
		e.finish(r, entity.StepArrivalConfirmed, entity.SagaStatusAbortedSafe,
			"withdrawal failed, asset returned to source", log)
		return decimal.Zero, false
	default:
		e.finish(r, entity.StepArrivalConfirmed, entity.SagaStatusAbortedUnknown,
			"transfer neither arrived nor resolved, manual reconciliation required", log)
		return decimal.Zero, false
	}
}

// stepSell liquidates the full confirmed balance on the destination venue,
// falling back to whichever venue actually holds the asset.
func (e *Engine) stepSell(ctx context.Context, r *run, src, dst venue.Venue, qty decimal.Decimal, log *zap.Logger) (proceeds decimal.Decimal, soldAtSource, ok bool) {
	balances, err := retryQuery(e, ctx, func(ctx context.Context) (map[string]decimal.Decimal, error) {
		return dst.Balances(ctx)
	})
	if err != nil {
		e.record(r, entity.StepSold, "pre-sell balance check", err.Error())
		e.finish(r, entity.StepSold, entity.SagaStatusAbortedUnknown,
			"destination balance unreadable before sell", log)
		return decimal.Zero, false, false
	}

	sellQty := balances[r.s.Asset]
	if sellQty.LessThanOrEqual(decimal.Zero) {
		return e.fallbackSell(ctx, r, src, dst, qty, log)
	}

	preBid := e.preSellBid(ctx, r, dst)
	input := fmt.Sprintf("side=sell qty=%s venue=%s", sellQty, dst.Name())

	subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
	orderID, err := dst.PlaceMarketOrder(subCtx, r.s.Asset, venue.SideSell, sellQty)
	cancel()
	if err != nil {
		e.record(r, entity.StepSold, input, "submit failed: "+err.Error())
		if isAmbiguous(err) {
			return e.reconcileSellByBalance(ctx, r, src, dst, sellQty, preBid, log)
		}
		return e.fallbackSell(ctx, r, src, dst, sellQty, log)
	}

	proceeds = e.confirmedProceeds(ctx, r, dst, orderID, sellQty, preBid, log)
	e.markSold(r, dst, input, proceeds, log)
	return proceeds, false, true
}

// fallbackSell re-checks both venues and sells wherever the asset actually
// is. A sale must happen before the saga returns control.
func (e *Engine) fallbackSell(ctx context.Context, r *run, src, dst venue.Venue, qty decimal.Decimal, log *zap.Logger) (decimal.Decimal, bool, bool) {
	threshold := qty.Mul(fallbackBalanceShare)

	for _, v := range []venue.Venue{dst, src} {
		balances, err := retryQuery(e, ctx, func(ctx context.Context) (map[string]decimal.Decimal, error) {
			return v.Balances(ctx)
		})
		if err != nil {
			log.Warn("fallback balance check failed",
				zap.String("venue", v.Name()), zap.Error(err))
			continue
		}

		held := balances[r.s.Asset]
		if held.LessThan(threshold) {
			continue
		}

		preBid := e.preSellBid(ctx, r, v)
		input := fmt.Sprintf("side=sell qty=%s venue=%s fallback=true", held, v.Name())

		subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
		orderID, err := v.PlaceMarketOrder(subCtx, r.s.Asset, venue.SideSell, held)
		cancel()
		if err != nil {
			e.record(r, entity.StepSold, input, "submit failed: "+err.Error())
			e.finish(r, entity.StepSold, entity.SagaStatusAbortedUnknown,
				"fallback sell failed, asset location known but not liquidated", log)
			return decimal.Zero, false, false
		}

		proceeds := e.confirmedProceeds(ctx, r, v, orderID, held, preBid, log)
		e.markSold(r, v, input, proceeds, log)
		return proceeds, v == src, true
	}

	e.record(r, entity.StepSold, "fallback balance check", "asset not found on either venue")
	e.finish(r, entity.StepSold, entity.SagaStatusAbortedUnknown,
		"asset not found on either venue, manual reconciliation required", log)
	return decimal.Zero, false, false
}

// reconcileSellByBalance resolves an ambiguous sell submission: if the
// asset is gone from the venue, the sale happened.
func (e *Engine) reconcileSellByBalance(ctx context.Context, r *run, src, dst venue.Venue, sellQty, preBid decimal.Decimal, log *zap.Logger) (decimal.Decimal, bool, bool) {
	balances, err := retryQuery(e, ctx, func(ctx context.Context) (map[string]decimal.Decimal, error) {
		return dst.Balances(ctx)
	})
	if err != nil {
		e.record(r, entity.StepSold, "reconcile by balance", "balance query failed: "+err.Error())
		e.finish(r, entity.StepSold, entity.SagaStatusAbortedUnknown,
			"sell outcome unknown and destination balance unreadable", log)
		return decimal.Zero, false, false
	}

	remaining := balances[r.s.Asset]
	if remaining.LessThan(sellQty.Mul(decimal.NewFromInt(1).Sub(e.cfg.MinFillRatio))) {
		proceeds := e.estimateProceeds(sellQty, preBid)
		e.record(r, entity.StepSold, "reconcile by balance",
			fmt.Sprintf("asset gone, estimated proceeds=%s", proceeds))
		e.markSold(r, dst, "reconciled after submit timeout", proceeds, log)
		return proceeds, false, true
	}

	return e.fallbackSell(ctx, r, src, dst, sellQty, log)
}

func (e *Engine) preSellBid(ctx context.Context, r *run, v venue.Venue) decimal.Decimal {
	q, err := retryQuery(e, ctx, func(ctx context.Context) (venue.Quote, error) {
		return v.Quote(ctx, r.s.Asset)
	})
	if err == nil && q.Bid.GreaterThan(decimal.Zero) {
		return q.Bid
	}
	// fall back to the pre-saga snapshot bid for proceeds estimation
	if v.Name() == e.venueA.Name() {
		return r.snap.VenueA.BestBid
	}
	return r.snap.VenueB.BestBid
}

// confirmedProceeds reads the executed sell; when the fill query cannot
// confirm it, proceeds are estimated from the pre-sell bid less taker fee.
func (e *Engine) confirmedProceeds(ctx context.Context, r *run, v venue.Venue, orderID string, sellQty, preBid decimal.Decimal, log *zap.Logger) decimal.Decimal {
	order, err := retryQuery(e, ctx, func(ctx context.Context) (venue.Order, error) {
		return v.Order(ctx, r.s.Asset, orderID)
	})
	if err == nil && order.ExecutedQty.GreaterThan(decimal.Zero) && order.AvgPrice.GreaterThan(decimal.Zero) {
		return order.ExecutedQty.Mul(order.AvgPrice)
	}

	estimate := e.estimateProceeds(sellQty, preBid)
	log.Warn("sell fill unconfirmed, estimating proceeds",
		zap.String("order_id", orderID),
		zap.String("estimate", estimate.String()),
		zap.Error(err))
	return estimate
}

func (e *Engine) estimateProceeds(qty, bid decimal.Decimal) decimal.Decimal {
	return qty.Mul(bid).Mul(decimal.NewFromInt(1).Sub(e.cfg.TakerFee))
}

func (e *Engine) markSold(r *run, v venue.Venue, input string, proceeds decimal.Decimal, log *zap.Logger) {
	r.mu.Lock()
	r.realized = proceeds
	r.mu.Unlock()

	r.setStep(entity.StepSold)
	if v.Name() == e.endpointName(r.s.Direction, true) {
		r.setLocation(entity.FundsDestQuote)
	} else {
		r.setLocation(entity.FundsSourceQuote)
	}
	r.addOutcome(entity.StepSold, "ok",
		fmt.Sprintf("venue=%s proceeds=%s", v.Name(), proceeds))
	e.record(r, entity.StepSold, input, fmt.Sprintf("proceeds=%s", proceeds))
	log.Info("sold",
		zap.String("venue", v.Name()),
		zap.String("proceeds", proceeds.String()))
}

func (e *Engine) endpointName(d entity.Direction, dest bool) string {
	src, dst := e.endpoints(d)
	if dest {
		return dst.Name()
	}
	return src.Name()
}

// stepReturnWithdraw sends the quote-currency proceeds back to the source
// venue over the first network both sides support.
func (e *Engine) stepReturnWithdraw(ctx context.Context, r *run, src, dst venue.Venue, proceeds decimal.Decimal, log *zap.Logger) (decimal.Decimal, bool) {
	quote := e.cfg.QuoteCurrency

	addr, err := e.returnAddress(ctx, src, quote)
	if err != nil {
		e.record(r, entity.StepReturnWithdrawalSubmitted, "resolve return address", err.Error())
		e.finish(r, entity.StepReturnWithdrawalSubmitted, entity.SagaStatusAbortedSafe,
			"no usable return address, proceeds remain at destination", log)
		return decimal.Zero, false
	}

	fee, err := retryQuery(e, ctx, func(ctx context.Context) (decimal.Decimal, error) {
		return dst.WithdrawFee(ctx, quote, addr.Network)
	})
	if err != nil || fee.LessThanOrEqual(decimal.Zero) {
		log.Warn("withdraw fee unavailable, using estimate",
			zap.String("network", addr.Network), zap.Error(err))
		fee = e.cfg.ReturnFeeEstimate
	}

	available := proceeds
	if balances, err := retryQuery(e, ctx, func(ctx context.Context) (map[string]decimal.Decimal, error) {
		return dst.Balances(ctx)
	}); err == nil && balances[quote].LessThan(available) {
		available = balances[quote]
	}

	amount := available.Sub(fee).Sub(e.cfg.SafetyBuffer)

	minAmount, err := retryQuery(e, ctx, func(ctx context.Context) (decimal.Decimal, error) {
		return dst.MinWithdrawQuantity(ctx, quote)
	})
	if err != nil || minAmount.LessThanOrEqual(decimal.Zero) {
		minAmount = e.cfg.MinQuoteWithdraw
	}
	if amount.LessThan(minAmount) {
		e.record(r, entity.StepReturnWithdrawalSubmitted,
			fmt.Sprintf("amount=%s min=%s", amount, minAmount), "below minimum")
		e.finish(r, entity.StepReturnWithdrawalSubmitted, entity.SagaStatusAbortedSafe,
			"proceeds below return minimum, left at destination", log)
		return decimal.Zero, false
	}

	input := fmt.Sprintf("amount=%s fee=%s network=%s address=%s", amount, fee, addr.Network, addr.Address)
	subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
	withdrawalID, err := dst.Withdraw(subCtx, quote, addr, amount)
	cancel()
	if err != nil {
		e.record(r, entity.StepReturnWithdrawalSubmitted, input, "submit failed: "+err.Error())
		if isAmbiguous(err) {
			e.finish(r, entity.StepReturnWithdrawalSubmitted, entity.SagaStatusAbortedUnknown,
				"return withdrawal submit timed out, proceeds location unconfirmed", log)
		} else {
			e.finish(r, entity.StepReturnWithdrawalSubmitted, entity.SagaStatusAbortedSafe,
				"return withdrawal rejected, proceeds remain at destination", log)
		}
		return decimal.Zero, false
	}

	r.setStep(entity.StepReturnWithdrawalSubmitted)
	r.setLocation(entity.FundsInTransitQuote)
	r.setWithdrawalRef(entity.StepReturnWithdrawalSubmitted, withdrawalID)
	r.addOutcome(entity.StepReturnWithdrawalSubmitted, "ok", "id="+withdrawalID)
	e.record(r, entity.StepReturnWithdrawalSubmitted, input, "submitted id="+withdrawalID)
	log.Info("return withdrawal submitted",
		zap.String("withdrawal_id", withdrawalID),
		zap.String("amount", amount.String()),
		zap.String("network", addr.Network))
	return amount, true
}

// returnAddress resolves a quote-currency deposit address on the source
// venue, walking the configured network priority list.
func (e *Engine) returnAddress(ctx context.Context, src venue.Venue, quote string) (venue.DepositAddress, error) {
	var lastErr error
	for _, network := range e.cfg.NetworkPriority {
		addr, err := retryQuery(e, ctx, func(ctx context.Context) (venue.DepositAddress, error) {
			return src.DepositAddress(ctx, quote, network)
		})
		if err == nil && addr.Address != "" {
			if addr.Network == "" {
				addr.Network = network
			}
			return addr, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no deposit address for %s on networks %v", quote, e.cfg.NetworkPriority)
	}
	return venue.DepositAddress{}, lastErr
}

// stepConfirmReturn is best effort: an unconfirmed return transfer is
// reported, never fatal.
func (e *Engine) stepConfirmReturn(ctx context.Context, r *run, src venue.Venue, amount decimal.Decimal, log *zap.Logger) {
	res, err := e.monitor.Await(ctx, src, e.cfg.QuoteCurrency, amount)
	if err != nil {
		e.record(r, entity.StepCompleted, "confirm return", "watch failed: "+err.Error())
		log.Warn("return transfer unconfirmed", zap.Error(err))
		return
	}

	if res.State == arrival.StateConfirmed {
		r.setLocation(entity.FundsReturnedQuote)
		r.addOutcome(entity.StepCompleted, "ok", "return confirmed observed="+res.Observed.String())
		e.record(r, entity.StepCompleted, fmt.Sprintf("expected=%s", amount),
			"return confirmed observed="+res.Observed.String())
		return
	}

	e.record(r, entity.StepCompleted, fmt.Sprintf("expected=%s", amount),
		fmt.Sprintf("return unconfirmed, state=%s observed=%s", res.State, res.Observed))
	log.Warn("return transfer not confirmed before timeout",
		zap.String("state", string(res.State)),
		zap.String("observed", res.Observed.String()))
}

// cancelledBetweenSteps honors operator cancellation only at step
// boundaries. The terminal status depends on whether value is in flight.
func (e *Engine) cancelledBetweenSteps(ctx context.Context, r *run, log *zap.Logger) bool {
	if ctx.Err() == nil {
		return false
	}

	loc := r.location()
	status := entity.SagaStatusAbortedSafe
	if loc == entity.FundsInTransitAsset || loc == entity.FundsInTransitQuote {
		status = entity.SagaStatusAbortedUnknown
	}

	r.mu.RLock()
	step := r.s.CurrentStep
	r.mu.RUnlock()

	e.record(r, step, "cancellation check", "cancelled by operator")
	e.finish(r, step, status, "cancelled by operator", log)
	return true
}

// finish records the terminal status and computes profit from the amounts
// already confirmed in the ledger.
func (e *Engine) finish(r *run, step entity.Step, status entity.SagaStatus, detail string, log *zap.Logger) {
	r.mu.Lock()
	r.s.Status = status
	r.s.CurrentStep = step
	r.s.FinishedAt = time.Now()
	r.s.FinalQuote = r.realized
	r.s.Profit = r.realized.Sub(r.spent)
	profit := r.s.Profit
	loc := r.s.FundsLocation
	r.mu.Unlock()

	r.addOutcome(step, string(status), detail)

	if err := e.ledger.RecordTerminal(r.s.ID, step, status, fmt.Sprintf("%s profit=%s", detail, profit)); err != nil {
		log.Error("failed to record terminal ledger entry", zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.String("step", step.String()),
		zap.String("funds_location", string(loc)),
		zap.String("profit", profit.String()),
		zap.String("detail", detail),
	}
	switch status {
	case entity.SagaStatusAbortedUnknown:
		log.Error("saga aborted, funds location unresolved", fields...)
	case entity.SagaStatusAbortedSafe:
		log.Warn("saga aborted, funds at a known location", fields...)
	default:
		log.Info("saga finished", fields...)
	}
}

func (e *Engine) record(r *run, step entity.Step, input, result string) {
	r.mu.Lock()
	r.attempts[step]++
	attempt := r.attempts[step]
	r.mu.Unlock()

	if err := e.ledger.Record(r.s.ID, step, attempt, input, result); err != nil {
		e.logger.Error("failed to append ledger entry",
			zap.String("saga_id", r.s.ID),
			zap.String("step", step.String()),
			zap.Error(err))
	}
}

func isAmbiguous(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// retryQuery applies the engine's query retry policy to a read-only call.
func retryQuery[T any](e *Engine, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	return retrier.DoWithData(e.queries, ctx, fn)
}
