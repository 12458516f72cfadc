package saga

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/baby1000001000/makeMoneyBot/internal/entity"
	"github.com/baby1000001000/makeMoneyBot/internal/venue"
)

type memLedger struct {
	mu        sync.Mutex
	entries   []entity.LedgerEntry
	terminals map[string]entity.SagaStatus
}

func newMemLedger() *memLedger {
	return &memLedger{terminals: make(map[string]entity.SagaStatus)}
}

func (m *memLedger) Record(sagaID string, step entity.Step, attempt int, input, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entity.LedgerEntry{
		SagaID: sagaID, Step: step, Attempt: attempt, Input: input, Result: result, Timestamp: time.Now(),
	})
	return nil
}

func (m *memLedger) RecordTerminal(sagaID string, step entity.Step, status entity.SagaStatus, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminals[sagaID] = status
	return nil
}

func (m *memLedger) terminal(sagaID string) (entity.SagaStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.terminals[sagaID]
	return s, ok
}

// fakeVenue simulates a spot exchange: market orders settle instantly
// against fixed quotes, withdrawals deliver to a peer venue after a delay.
type fakeVenue struct {
	name string

	mu            sync.Mutex
	balances      map[string]decimal.Decimal
	quotes        map[string]venue.Quote
	orders        map[string]venue.Order
	orderSeq      int
	withdrawSeq   int
	placeCalls    int
	withdrawCalls int
	minWithdraw   decimal.Decimal
	withdrawFee   decimal.Decimal
	withdrawState venue.WithdrawalState
	deliver       bool
	deliverFee    decimal.Decimal
	deliverDelay  time.Duration
	peer          *fakeVenue
	quoteErr      error
	placeOrderErr error
	withdrawErr   error
	orderErr      error
	orderCalls    int

	// when set, PlaceMarketOrder blocks until the channel is closed
	placeBlockedCh chan struct{}
}

func newFakeVenue(name string) *fakeVenue {
	return &fakeVenue{
		name:          name,
		balances:      make(map[string]decimal.Decimal),
		quotes:        make(map[string]venue.Quote),
		orders:        make(map[string]venue.Order),
		minWithdraw:   decimal.NewFromInt(1),
		withdrawFee:   decimal.NewFromFloat(1.0),
		withdrawState: venue.WithdrawalCompleted,
		deliverFee:    decimal.NewFromFloat(0.1),
		deliverDelay:  20 * time.Millisecond,
	}
}

func (v *fakeVenue) setBalance(cur string, amount float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[cur] = decimal.NewFromFloat(amount)
}

func (v *fakeVenue) setQuote(asset string, bid, ask float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.quotes[asset] = venue.Quote{Bid: decimal.NewFromFloat(bid), Ask: decimal.NewFromFloat(ask)}
}

func (v *fakeVenue) credit(cur string, amount decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[cur] = v.balances[cur].Add(amount)
}

func (v *fakeVenue) calls() (place, withdraw int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.placeCalls, v.withdrawCalls
}

func (v *fakeVenue) fillQueries() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.orderCalls
}

func (v *fakeVenue) Name() string { return v.name }

func (v *fakeVenue) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(v.balances))
	for k, val := range v.balances {
		out[k] = val
	}
	return out, nil
}

func (v *fakeVenue) Quote(ctx context.Context, asset string) (venue.Quote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.quoteErr != nil {
		return venue.Quote{}, v.quoteErr
	}
	return v.quotes[asset], nil
}

func (v *fakeVenue) PlaceMarketOrder(ctx context.Context, asset string, side venue.Side, quantity decimal.Decimal) (string, error) {
	if v.placeBlockedCh != nil {
		<-v.placeBlockedCh
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.placeCalls++
	if v.placeOrderErr != nil {
		return "", v.placeOrderErr
	}

	q := v.quotes[asset]
	v.orderSeq++
	id := fmt.Sprintf("%s-order-%d", v.name, v.orderSeq)

	switch side {
	case venue.SideBuy:
		cost := quantity.Mul(q.Ask)
		v.balances["USDT"] = v.balances["USDT"].Sub(cost)
		v.balances[asset] = v.balances[asset].Add(quantity)
		v.orders[id] = venue.Order{ID: id, ExecutedQty: quantity, AvgPrice: q.Ask, Status: venue.OrderStatusFilled}
	case venue.SideSell:
		v.balances[asset] = v.balances[asset].Sub(quantity)
		v.balances["USDT"] = v.balances["USDT"].Add(quantity.Mul(q.Bid))
		v.orders[id] = venue.Order{ID: id, ExecutedQty: quantity, AvgPrice: q.Bid, Status: venue.OrderStatusFilled}
	}
	return id, nil
}

func (v *fakeVenue) Order(ctx context.Context, asset, orderID string) (venue.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.orderCalls++
	if v.orderErr != nil {
		return venue.Order{}, v.orderErr
	}
	o, ok := v.orders[orderID]
	if !ok {
		return venue.Order{}, errors.New("order not found")
	}
	return o, nil
}

func (v *fakeVenue) DepositAddress(ctx context.Context, asset, preferredNetwork string) (venue.DepositAddress, error) {
	network := preferredNetwork
	if network == "" {
		network = "BSC"
	}
	return venue.DepositAddress{Address: v.name + "-addr-" + asset, Network: network}, nil
}

func (v *fakeVenue) Withdraw(ctx context.Context, asset string, addr venue.DepositAddress, amount decimal.Decimal) (string, error) {
	v.mu.Lock()
	v.withdrawCalls++
	if v.withdrawErr != nil {
		v.mu.Unlock()
		return "", v.withdrawErr
	}
	v.withdrawSeq++
	id := fmt.Sprintf("%s-wd-%d", v.name, v.withdrawSeq)
	v.balances[asset] = v.balances[asset].Sub(amount)
	deliver := v.deliver
	peer := v.peer
	delivered := amount.Sub(v.deliverFee)
	delay := v.deliverDelay
	v.mu.Unlock()

	if deliver && peer != nil {
		if delay > 0 {
			time.AfterFunc(delay, func() { peer.credit(asset, delivered) })
		} else {
			// instant delivery: lands before any balance watch starts
			peer.credit(asset, delivered)
		}
	}
	return id, nil
}

func (v *fakeVenue) WithdrawalStatus(ctx context.Context, asset, withdrawalID string) (venue.WithdrawalState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.withdrawState, nil
}

func (v *fakeVenue) MinWithdrawQuantity(ctx context.Context, asset string) (decimal.Decimal, error) {
	return v.minWithdraw, nil
}

func (v *fakeVenue) WithdrawFee(ctx context.Context, asset, network string) (decimal.Decimal, error) {
	return v.withdrawFee, nil
}

func testConfig() Config {
	return Config{
		QuoteCurrency:       "USDT",
		MinTradable:         decimal.NewFromInt(50),
		AutoBuy:             true,
		ArrivalPollInterval: 5 * time.Millisecond,
		ArrivalTimeout:      300 * time.Millisecond,
	}
}

func testEngine(t *testing.T, a, b *fakeVenue, cfg Config) (*Engine, *memLedger) {
	t.Helper()
	store := newMemLedger()
	return New(zap.NewNop(), a, b, store, cfg), store
}

// two venues wired for a profitable XLM round trip: buy at 1.00 on A,
// sell at 1.05 on B
func profitablePair() (*fakeVenue, *fakeVenue) {
	a := newFakeVenue("venue-a")
	a.setBalance("USDT", 200)
	a.setQuote("XLM", 0.99, 1.00)

	b := newFakeVenue("venue-b")
	b.setQuote("XLM", 1.05, 1.06)
	b.setQuote("USDT", 1.0, 1.0)

	a.deliver = true
	a.peer = b
	b.deliver = true
	b.peer = a
	return a, b
}

func TestEngine_CompletesProfitableRoundTrip(t *testing.T) {
	a, b := profitablePair()
	eng, store := testEngine(t, a, b, testConfig())

	id, err := eng.Start(context.Background(), Request{
		Asset:          "XLM",
		Direction:      entity.DirectionAtoB,
		CommittedQuote: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	eng.Wait()

	run, err := eng.Status(id)
	require.NoError(t, err)

	assert.Equal(t, entity.SagaStatusCompleted, run.Status)
	assert.Equal(t, entity.StepCompleted, run.CurrentStep)
	assert.Equal(t, entity.FundsReturnedQuote, run.FundsLocation)

	// buy 99.9 at 1.00, deliver 99.8 after transfer fee, sell at 1.05
	assert.True(t, run.FinalQuote.Equal(decimal.NewFromFloat(104.79)),
		"final quote = %s", run.FinalQuote)
	assert.True(t, run.Profit.Equal(decimal.NewFromFloat(4.89)),
		"profit = %s", run.Profit)

	assert.NotEmpty(t, run.WithdrawalRefs[entity.StepWithdrawalSubmitted])
	assert.NotEmpty(t, run.WithdrawalRefs[entity.StepReturnWithdrawalSubmitted])

	status, ok := store.terminal(id)
	require.True(t, ok, "terminal ledger marker missing")
	assert.Equal(t, entity.SagaStatusCompleted, status)
}

func TestEngine_RejectsWhenSnapshotInvalid(t *testing.T) {
	a, b := profitablePair()
	a.quoteErr = errors.New("venue down")
	eng, _ := testEngine(t, a, b, testConfig())

	_, err := eng.Start(context.Background(), Request{
		Asset:          "XLM",
		Direction:      entity.DirectionAtoB,
		CommittedQuote: decimal.NewFromInt(100),
	})
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestEngine_RejectsWhenCapitalInsufficient(t *testing.T) {
	a, b := profitablePair()
	a.setBalance("USDT", 3) // nowhere near minTradable * price * buffer
	eng, _ := testEngine(t, a, b, testConfig())

	_, err := eng.Start(context.Background(), Request{
		Asset:          "XLM",
		Direction:      entity.DirectionAtoB,
		CommittedQuote: decimal.NewFromInt(100),
	})
	assert.ErrorIs(t, err, ErrInsufficientCapital)
}

func TestEngine_RejectsSecondSagaForSameAsset(t *testing.T) {
	a, b := profitablePair()
	block := make(chan struct{})
	a.placeBlockedCh = block
	a.placeOrderErr = errors.New("rejected after hold")
	eng, _ := testEngine(t, a, b, testConfig())

	req := Request{
		Asset:          "XLM",
		Direction:      entity.DirectionAtoB,
		CommittedQuote: decimal.NewFromInt(100),
	}

	_, err := eng.Start(context.Background(), req)
	require.NoError(t, err)

	_, err = eng.Start(context.Background(), req)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(block)
	eng.Wait()

	// terminal run releases the asset
	_, err = eng.Start(context.Background(), req)
	require.NoError(t, err)
	eng.Wait()
}

func TestEngine_BuyRejectionAbortsSafe(t *testing.T) {
	a, b := profitablePair()
	a.placeOrderErr = errors.New("order rejected")
	eng, store := testEngine(t, a, b, testConfig())

	id, err := eng.Start(context.Background(), Request{
		Asset:          "XLM",
		Direction:      entity.DirectionAtoB,
		CommittedQuote: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	eng.Wait()

	run, err := eng.Status(id)
	require.NoError(t, err)
	assert.Equal(t, entity.SagaStatusAbortedSafe, run.Status)
	assert.Equal(t, entity.FundsSourceQuote, run.FundsLocation)

	_, withdraws := a.calls()
	assert.Zero(t, withdraws, "no transfer may follow a failed buy")

	status, ok := store.terminal(id)
	require.True(t, ok)
	assert.Equal(t, entity.SagaStatusAbortedSafe, status)
}

func TestEngine_FailedWithdrawalAbortsSafe(t *testing.T) {
	a, b := profitablePair()
	a.deliver = false // transfer never lands
	a.withdrawState = venue.WithdrawalFailed
	eng, _ := testEngine(t, a, b, testConfig())

	id, err := eng.Start(context.Background(), Request{
		Asset:          "XLM",
		Direction:      entity.DirectionAtoB,
		CommittedQuote: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	eng.Wait()

	run, err := eng.Status(id)
	require.NoError(t, err)
	assert.Equal(t, entity.SagaStatusAbortedSafe, run.Status)
	assert.Equal(t, entity.FundsSourceAsset, run.FundsLocation)

	sells, _ := b.calls()
	assert.Zero(t, sells, "nothing to sell when the transfer failed")
}

func TestEngine_PendingWithdrawalAbortsUnknown(t *testing.T) {
	a, b := profitablePair()
	a.deliver = false
	a.withdrawState = venue.WithdrawalPending
	eng, store := testEngine(t, a, b, testConfig())

	id, err := eng.Start(context.Background(), Request{
		Asset:          "XLM",
		Direction:      entity.DirectionAtoB,
		CommittedQuote: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	eng.Wait()

	run, err := eng.Status(id)
	require.NoError(t, err)
	assert.Equal(t, entity.SagaStatusAbortedUnknown, run.Status)
	assert.Equal(t, entity.FundsInTransitAsset, run.FundsLocation)

	// an unresolved transfer forbids any further value movement
	sells, returnWithdraws := b.calls()
	assert.Zero(t, sells)
	assert.Zero(t, returnWithdraws)

	status, ok := store.terminal(id)
	require.True(t, ok)
	assert.Equal(t, entity.SagaStatusAbortedUnknown, status)
}

func TestEngine_UsesExistingInventory(t *testing.T) {
	a, b := profitablePair()
	a.setBalance("XLM", 60) // above minTradable, no buy needed
	cfg := testConfig()
	cfg.PreferExisting = true
	eng, _ := testEngine(t, a, b, cfg)

	id, err := eng.Start(context.Background(), Request{
		Asset:          "XLM",
		Direction:      entity.DirectionAtoB,
		CommittedQuote: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	eng.Wait()

	run, err := eng.Status(id)
	require.NoError(t, err)
	assert.Equal(t, entity.SagaStatusCompleted, run.Status)

	buys, _ := a.calls()
	assert.Zero(t, buys, "existing inventory must not trigger a buy")

	// sold 59.9 at 1.05 with nothing spent on a buy
	assert.True(t, run.Profit.Equal(decimal.NewFromFloat(62.895)),
		"profit = %s", run.Profit)
}

func TestEngine_ProceedsOnWithdrawalStatusWhenBalanceWatchMisses(t *testing.T) {
	a, b := profitablePair()
	// the deposit lands before the balance watch takes its baseline, so
	// the watch sees no delta; the withdrawal status query must rescue it
	a.deliverDelay = 0
	eng, _ := testEngine(t, a, b, testConfig())

	id, err := eng.Start(context.Background(), Request{
		Asset:          "XLM",
		Direction:      entity.DirectionAtoB,
		CommittedQuote: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	eng.Wait()

	run, err := eng.Status(id)
	require.NoError(t, err)
	assert.Equal(t, entity.SagaStatusCompleted, run.Status)
	assert.True(t, run.Profit.Equal(decimal.NewFromFloat(4.89)),
		"profit = %s", run.Profit)

	sells, _ := b.calls()
	assert.Equal(t, 1, sells, "the sell must still happen")

	var rescued bool
	for _, o := range run.StepOutcomes {
		if o.Step == entity.StepArrivalConfirmed && o.Status == "ok" {
			rescued = true
			assert.Contains(t, o.Detail, "withdrawal status")
		}
	}
	assert.True(t, rescued, "arrival must be confirmed via the status query")
}

func TestEngine_CancellationBetweenStepsAbortsSafe(t *testing.T) {
	a, b := profitablePair()
	block := make(chan struct{})
	a.placeBlockedCh = block
	eng, _ := testEngine(t, a, b, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	id, err := eng.Start(ctx, Request{
		Asset:          "XLM",
		Direction:      entity.DirectionAtoB,
		CommittedQuote: decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	// cancel while the buy is in flight; the submission itself runs on a
	// detached context and must complete, the next step must not start
	cancel()
	close(block)
	eng.Wait()

	run, err := eng.Status(id)
	require.NoError(t, err)
	assert.Equal(t, entity.SagaStatusAbortedSafe, run.Status)
	assert.Equal(t, entity.FundsSourceAsset, run.FundsLocation)

	_, withdraws := a.calls()
	assert.Zero(t, withdraws, "no transfer may start after cancellation")
}

func TestEngine_CancellationDuringArrivalWatchAbortsUnknown(t *testing.T) {
	a, b := profitablePair()
	a.deliver = false // keep the transfer in flight
	cfg := testConfig()
	cfg.ArrivalTimeout = 5 * time.Second
	eng, _ := testEngine(t, a, b, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	id, err := eng.Start(ctx, Request{
		Asset:          "XLM",
		Direction:      entity.DirectionAtoB,
		CommittedQuote: decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, err := eng.Status(id)
		return err == nil && run.CurrentStep == entity.StepWithdrawalSubmitted
	}, 2*time.Second, time.Millisecond)
	cancel()
	eng.Wait()

	run, err := eng.Status(id)
	require.NoError(t, err)
	assert.Equal(t, entity.SagaStatusAbortedUnknown, run.Status)
	assert.Equal(t, entity.FundsInTransitAsset, run.FundsLocation)

	sells, returnWithdraws := b.calls()
	assert.Zero(t, sells)
	assert.Zero(t, returnWithdraws)
}

func TestEngine_BreakerOpenFillQueryNotRetried(t *testing.T) {
	a, b := profitablePair()
	a.orderErr = gobreaker.ErrOpenState
	eng, _ := testEngine(t, a, b, testConfig())

	start := time.Now()
	id, err := eng.Start(context.Background(), Request{
		Asset:          "XLM",
		Direction:      entity.DirectionAtoB,
		CommittedQuote: decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	eng.Wait()

	run, err := eng.Status(id)
	require.NoError(t, err)
	assert.Equal(t, entity.SagaStatusAbortedUnknown, run.Status)

	// an open breaker is not transient: one attempt, no backoff sleeps
	assert.Equal(t, 1, a.fillQueries())
	assert.Less(t, time.Since(start), time.Second)
}

func TestEngine_StatusUnknownSaga(t *testing.T) {
	a, b := profitablePair()
	eng, _ := testEngine(t, a, b, testConfig())

	_, err := eng.Status("nope")
	assert.ErrorIs(t, err, ErrUnknownSaga)
}
