// Package saga drives a single arbitrage attempt through its ordered
// steps: buy on the source venue, transfer, confirm arrival, sell on the
// destination venue, return the proceeds. Every transition that moves
// value across venues is followed by a confirmation before the next
// value-moving action is taken.
package saga

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/baby1000001000/makeMoneyBot/internal/entity"
	"github.com/baby1000001000/makeMoneyBot/internal/services/allocation"
	"github.com/baby1000001000/makeMoneyBot/internal/services/arrival"
	"github.com/baby1000001000/makeMoneyBot/internal/services/snapshot"
	"github.com/baby1000001000/makeMoneyBot/internal/venue"
	"github.com/baby1000001000/makeMoneyBot/pkg/retrier"
)

var (
	// ErrAlreadyRunning means a saga for this asset is active; the request
	// is rejected, never queued.
	ErrAlreadyRunning = errors.New("saga already running for asset")
	// ErrInsufficientCapital means the capital allocation gate refused.
	ErrInsufficientCapital = errors.New("insufficient capital")
	// ErrInvalidSnapshot means venue state could not be read well enough
	// to take any decision.
	ErrInvalidSnapshot = errors.New("snapshot invalid, refusing to start")
	// ErrUnknownSaga means no run with the given id exists.
	ErrUnknownSaga = errors.New("unknown saga id")
)

// Ledger is the append-only sink for step attempts. Implemented by
// storage/ledger.WALStore.
type Ledger interface {
	Record(sagaID string, step entity.Step, attempt int, input, result string) error
	RecordTerminal(sagaID string, step entity.Step, status entity.SagaStatus, detail string) error
}

// Request describes one arbitrage attempt. It is constructed by the caller
// (CLI, scheduler or test harness); the engine has zero interactive I/O.
type Request struct {
	Asset          string
	Direction      entity.Direction
	CommittedQuote decimal.Decimal
}

// Config tunes the engine. Zero fields fall back to defaults.
type Config struct {
	QuoteCurrency   string
	MinTradable     decimal.Decimal
	PreferExisting  bool
	AutoBuy         bool
	NetworkPriority []string

	ArrivalPollInterval time.Duration
	ArrivalTimeout      time.Duration
	ArrivalTolerance    decimal.Decimal

	// TakerFee is used to estimate proceeds when a fill query cannot
	// confirm the executed sell.
	TakerFee decimal.Decimal
	// BuyFeeMargin shaves the buy quantity so the order cannot fail on
	// fees (0.999 leaves 0.1% headroom).
	BuyFeeMargin decimal.Decimal
	// MinFillRatio is the executed/requested ratio below which a buy is
	// treated as failed.
	MinFillRatio decimal.Decimal
	// SafetyBuffer is subtracted from the return withdrawal on top of the
	// venue fee.
	SafetyBuffer decimal.Decimal
	// MinQuoteWithdraw is the fallback minimum when the venue cannot be
	// queried for one.
	MinQuoteWithdraw decimal.Decimal
	// ReturnFeeEstimate is the fallback quote-currency withdrawal fee.
	ReturnFeeEstimate decimal.Decimal
}

func (c *Config) applyDefaults() {
	if c.QuoteCurrency == "" {
		c.QuoteCurrency = "USDT"
	}
	if len(c.NetworkPriority) == 0 {
		c.NetworkPriority = []string{"BSC", "TRX"}
	}
	if c.ArrivalPollInterval <= 0 {
		c.ArrivalPollInterval = 30 * time.Second
	}
	if c.ArrivalTimeout <= 0 {
		c.ArrivalTimeout = 600 * time.Second
	}
	if c.ArrivalTolerance.LessThanOrEqual(decimal.Zero) {
		c.ArrivalTolerance = decimal.NewFromFloat(0.05)
	}
	if c.TakerFee.LessThanOrEqual(decimal.Zero) {
		c.TakerFee = decimal.NewFromFloat(0.002)
	}
	if c.BuyFeeMargin.LessThanOrEqual(decimal.Zero) {
		c.BuyFeeMargin = decimal.NewFromFloat(0.999)
	}
	if c.MinFillRatio.LessThanOrEqual(decimal.Zero) {
		c.MinFillRatio = decimal.NewFromFloat(0.95)
	}
	if c.SafetyBuffer.LessThanOrEqual(decimal.Zero) {
		c.SafetyBuffer = decimal.NewFromFloat(0.01)
	}
	if c.MinQuoteWithdraw.LessThanOrEqual(decimal.Zero) {
		c.MinQuoteWithdraw = decimal.NewFromFloat(1.5)
	}
	if c.ReturnFeeEstimate.LessThanOrEqual(decimal.Zero) {
		c.ReturnFeeEstimate = decimal.NewFromFloat(1.0)
	}
}

// run is the engine's mutable view of one saga. All writes go through its
// mutex; Status returns copies only.
type run struct {
	mu       sync.RWMutex
	s        entity.SagaRun
	dec      allocation.Decision
	snap     entity.Snapshot
	attempts map[entity.Step]int

	// confirmed amounts, mirrored in the ledger as they are recorded
	spent    decimal.Decimal
	realized decimal.Decimal
}

// Engine executes sagas. At most one saga per asset is active at a time.
type Engine struct {
	venueA    venue.Venue
	venueB    venue.Venue
	snapshots *snapshot.Service
	monitor   *arrival.Monitor
	ledger    Ledger
	queries   *retrier.Retrier
	cfg       Config
	logger    *zap.Logger

	mu     sync.Mutex
	active map[string]*run // by asset
	runs   map[string]*run // by id
	wg     sync.WaitGroup
}

// retryableQueryError keeps query retries for transient failures only. An
// open circuit breaker or a caller-cancelled context will not heal within
// the backoff window, so those return immediately.
func retryableQueryError(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// New creates the engine over two injected venue ports. The venues are
// held for the engine's lifetime; nothing constructs clients ad hoc.
func New(logger *zap.Logger, venueA, venueB venue.Venue, store Ledger, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		venueA:    venueA,
		venueB:    venueB,
		snapshots: snapshot.New(logger, venueA, venueB, cfg.QuoteCurrency),
		monitor:   arrival.New(logger, cfg.ArrivalPollInterval, cfg.ArrivalTimeout, cfg.ArrivalTolerance),
		ledger:    store,
		queries: retrier.New(
			retrier.WithMaxRetries(3),
			retrier.WithInitialInterval(time.Second),
			retrier.WithRetryableFunc(retryableQueryError),
		),
		cfg:    cfg,
		logger: logger,
		active: make(map[string]*run),
		runs:   make(map[string]*run),
	}
}

// Start validates the request through the capital allocation gate and, if
// accepted, launches the saga asynchronously. It returns the saga id.
func (e *Engine) Start(ctx context.Context, req Request) (string, error) {
	if req.Asset == "" || !req.Direction.IsValid() {
		return "", errors.New("invalid saga request")
	}
	if req.CommittedQuote.LessThanOrEqual(decimal.Zero) {
		return "", errors.New("committed quote amount must be positive")
	}

	e.mu.Lock()
	if _, busy := e.active[req.Asset]; busy {
		e.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	// reserve the asset before any venue I/O so a concurrent Start for the
	// same asset cannot pass the gate against the same inventory
	placeholder := &run{}
	e.active[req.Asset] = placeholder
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		delete(e.active, req.Asset)
		e.mu.Unlock()
	}

	snap := e.snapshots.Take(ctx, req.Asset)
	if !snap.Valid() {
		release()
		return "", ErrInvalidSnapshot
	}

	dec, err := allocation.Decide(snap, allocation.Params{
		MinTradable:    e.cfg.MinTradable,
		PreferExisting: e.cfg.PreferExisting,
		AutoBuy:        e.cfg.AutoBuy,
	})
	if err != nil {
		release()
		return "", errors.Wrap(ErrInvalidSnapshot, err.Error())
	}
	if dec.Strategy == allocation.StrategyInsufficientFunds {
		release()
		return "", ErrInsufficientCapital
	}

	r := &run{
		s: entity.SagaRun{
			ID:             uuid.NewString(),
			Asset:          req.Asset,
			Direction:      req.Direction,
			CommittedQuote: req.CommittedQuote,
			CurrentStep:    entity.StepInit,
			FundsLocation:  entity.FundsSourceQuote,
			Status:         entity.SagaStatusRunning,
			WithdrawalRefs: make(map[entity.Step]string),
			StartedAt:      time.Now(),
		},
		dec:      dec,
		snap:     snap,
		attempts: make(map[entity.Step]int),
	}

	e.mu.Lock()
	e.active[req.Asset] = r
	e.runs[r.s.ID] = r
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.active, req.Asset)
			e.mu.Unlock()
		}()
		e.execute(ctx, r)
	}()

	return r.s.ID, nil
}

// Status returns a read-only copy of the saga's current state. Safe to
// poll from any goroutine.
func (e *Engine) Status(id string) (entity.SagaRun, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return entity.SagaRun{}, ErrUnknownSaga
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := r.s
	out.StepOutcomes = append([]entity.StepOutcome(nil), r.s.StepOutcomes...)
	out.WithdrawalRefs = make(map[entity.Step]string, len(r.s.WithdrawalRefs))
	for k, v := range r.s.WithdrawalRefs {
		out.WithdrawalRefs[k] = v
	}
	return out, nil
}

// Wait blocks until all launched sagas have reached a terminal state.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (r *run) setStep(step entity.Step) {
	r.mu.Lock()
	r.s.CurrentStep = step
	r.mu.Unlock()
}

func (r *run) setLocation(loc entity.FundsLocation) {
	r.mu.Lock()
	r.s.FundsLocation = loc
	r.mu.Unlock()
}

func (r *run) location() entity.FundsLocation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.s.FundsLocation
}

func (r *run) addOutcome(step entity.Step, status, detail string) {
	r.mu.Lock()
	r.s.StepOutcomes = append(r.s.StepOutcomes, entity.StepOutcome{
		Step:      step,
		Status:    status,
		Detail:    detail,
		Timestamp: time.Now(),
	})
	r.mu.Unlock()
}

func (r *run) setWithdrawalRef(step entity.Step, id string) {
	r.mu.Lock()
	r.s.WithdrawalRefs[step] = id
	r.mu.Unlock()
}
