package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Guarded decorates a Venue with a token-bucket rate limiter and a circuit
// breaker. Each venue owns its limiter instance; there is no process-wide
// shared state. The breaker guards query-class calls only: a mutating call
// rejected locally after the remote may have accepted it would create the
// exact ambiguity the saga engine works to avoid, so mutations are only
// rate limited.
type Guarded struct {
	inner   Venue
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewGuarded wraps inner with a limiter allowing rps requests per second
// (burst 2*rps, minimum 1) and a breaker that trips after consecutive
// query failures.
func NewGuarded(inner Venue, rps float64) *Guarded {
	burst := int(rps * 2)
	if burst < 1 {
		burst = 1
	}

	settings := gobreaker.Settings{
		Name:    inner.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &Guarded{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) query(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return g.breaker.Execute(fn)
}

func (g *Guarded) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	res, err := g.query(ctx, func() (any, error) { return g.inner.Balances(ctx) })
	if err != nil {
		return nil, err
	}
	return res.(map[string]decimal.Decimal), nil
}

func (g *Guarded) Quote(ctx context.Context, asset string) (Quote, error) {
	res, err := g.query(ctx, func() (any, error) { return g.inner.Quote(ctx, asset) })
	if err != nil {
		return Quote{}, err
	}
	return res.(Quote), nil
}

func (g *Guarded) PlaceMarketOrder(ctx context.Context, asset string, side Side, quantity decimal.Decimal) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return g.inner.PlaceMarketOrder(ctx, asset, side, quantity)
}

func (g *Guarded) Order(ctx context.Context, asset, orderID string) (Order, error) {
	res, err := g.query(ctx, func() (any, error) { return g.inner.Order(ctx, asset, orderID) })
	if err != nil {
		return Order{}, err
	}
	return res.(Order), nil
}

func (g *Guarded) DepositAddress(ctx context.Context, asset, preferredNetwork string) (DepositAddress, error) {
	res, err := g.query(ctx, func() (any, error) { return g.inner.DepositAddress(ctx, asset, preferredNetwork) })
	if err != nil {
		return DepositAddress{}, err
	}
	return res.(DepositAddress), nil
}

func (g *Guarded) Withdraw(ctx context.Context, asset string, addr DepositAddress, amount decimal.Decimal) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return g.inner.Withdraw(ctx, asset, addr, amount)
}

func (g *Guarded) WithdrawalStatus(ctx context.Context, asset, withdrawalID string) (WithdrawalState, error) {
	res, err := g.query(ctx, func() (any, error) { return g.inner.WithdrawalStatus(ctx, asset, withdrawalID) })
	if err != nil {
		return WithdrawalUnknown, err
	}
	return res.(WithdrawalState), nil
}

func (g *Guarded) MinWithdrawQuantity(ctx context.Context, asset string) (decimal.Decimal, error) {
	res, err := g.query(ctx, func() (any, error) { return g.inner.MinWithdrawQuantity(ctx, asset) })
	if err != nil {
		return decimal.Zero, err
	}
	return res.(decimal.Decimal), nil
}

func (g *Guarded) WithdrawFee(ctx context.Context, asset, network string) (decimal.Decimal, error) {
	res, err := g.query(ctx, func() (any, error) { return g.inner.WithdrawFee(ctx, asset, network) })
	if err != nil {
		return decimal.Zero, err
	}
	return res.(decimal.Decimal), nil
}
