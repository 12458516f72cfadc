// Package arrival watches a destination venue for the balance increase
// produced by an in-flight transfer, bounded by a timeout.
package arrival

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/baby1000001000/makeMoneyBot/internal/venue"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultTimeout      = 600 * time.Second
)

// tolerance for on-chain/venue withdrawal fees eating into the delta
var defaultTolerance = decimal.NewFromFloat(0.05)

// State of a completed wait.
type State string

const (
	// StateConfirmed means the observed increase reached the expected delta
	// within tolerance.
	StateConfirmed State = "confirmed"
	// StatePartial means some increase was observed but not enough.
	StatePartial State = "partial"
	// StateTimedOut means no sufficient increase before the deadline.
	StateTimedOut State = "timed_out"
)

// Result of one wait: the terminal state and the increase actually seen.
type Result struct {
	State    State
	Observed decimal.Decimal
}

// Monitor polls a venue's balance on a fixed interval. The caller decides
// what to do with the result; the monitor itself never mutates anything.
type Monitor struct {
	interval  time.Duration
	timeout   time.Duration
	tolerance decimal.Decimal
	logger    *zap.Logger
}

// New creates a monitor with the given poll interval, timeout and fee
// tolerance. Zero values fall back to the defaults (30s / 600s / 5%).
func New(logger *zap.Logger, interval, timeout time.Duration, tolerance decimal.Decimal) *Monitor {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if tolerance.LessThanOrEqual(decimal.Zero) {
		tolerance = defaultTolerance
	}
	return &Monitor{interval: interval, timeout: timeout, tolerance: tolerance, logger: logger}
}

// Await records the current balance and polls until the increase reaches
// expectedDelta*(1-tolerance) or the timeout elapses. It never blocks past
// the timeout. Query failures inside the loop are logged and retried on
// the next tick.
func (m *Monitor) Await(ctx context.Context, v venue.Venue, asset string, expectedDelta decimal.Decimal) (Result, error) {
	baseline, err := m.freeBalance(ctx, v, asset)
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to read pre-transfer balance")
	}

	required := expectedDelta.Mul(decimal.NewFromInt(1).Sub(m.tolerance))

	m.logger.Info("awaiting arrival",
		zap.String("venue", v.Name()),
		zap.String("asset", asset),
		zap.String("baseline", baseline.String()),
		zap.String("required_delta", required.String()),
		zap.Duration("timeout", m.timeout))

	deadline := time.NewTimer(m.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	observed := decimal.Zero
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-deadline.C:
			if observed.GreaterThan(decimal.Zero) {
				return Result{State: StatePartial, Observed: observed}, nil
			}
			return Result{State: StateTimedOut, Observed: observed}, nil
		case <-ticker.C:
			current, err := m.freeBalance(ctx, v, asset)
			if err != nil {
				m.logger.Warn("balance poll failed, will retry",
					zap.String("venue", v.Name()), zap.Error(err))
				continue
			}

			observed = current.Sub(baseline)
			if observed.GreaterThanOrEqual(required) {
				m.logger.Info("arrival confirmed",
					zap.String("venue", v.Name()),
					zap.String("observed_delta", observed.String()))
				return Result{State: StateConfirmed, Observed: observed}, nil
			}
			if observed.GreaterThan(decimal.Zero) {
				m.logger.Info("partial arrival",
					zap.String("venue", v.Name()),
					zap.String("observed_delta", observed.String()),
					zap.String("required_delta", required.String()))
			}
		}
	}
}

func (m *Monitor) freeBalance(ctx context.Context, v venue.Venue, asset string) (decimal.Decimal, error) {
	balances, err := v.Balances(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return balances[asset], nil
}
