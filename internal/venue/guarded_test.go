package venue

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyVenue struct {
	quoteErr    error
	quoteCalls  int
	placeCalls  int
	placeErr    error
	balancesErr error
}

func (f *flakyVenue) Name() string { return "flaky" }

func (f *flakyVenue) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	if f.balancesErr != nil {
		return nil, f.balancesErr
	}
	return map[string]decimal.Decimal{}, nil
}

func (f *flakyVenue) Quote(ctx context.Context, asset string) (Quote, error) {
	f.quoteCalls++
	if f.quoteErr != nil {
		return Quote{}, f.quoteErr
	}
	return Quote{Bid: decimal.NewFromInt(1), Ask: decimal.NewFromInt(1)}, nil
}

func (f *flakyVenue) PlaceMarketOrder(ctx context.Context, asset string, side Side, quantity decimal.Decimal) (string, error) {
	f.placeCalls++
	if f.placeErr != nil {
		return "", f.placeErr
	}
	return "order-1", nil
}

func (f *flakyVenue) Order(ctx context.Context, asset, orderID string) (Order, error) {
	return Order{}, errors.New("not implemented")
}

func (f *flakyVenue) DepositAddress(ctx context.Context, asset, preferredNetwork string) (DepositAddress, error) {
	return DepositAddress{}, errors.New("not implemented")
}

func (f *flakyVenue) Withdraw(ctx context.Context, asset string, addr DepositAddress, amount decimal.Decimal) (string, error) {
	return "wd-1", nil
}

func (f *flakyVenue) WithdrawalStatus(ctx context.Context, asset, withdrawalID string) (WithdrawalState, error) {
	return WithdrawalUnknown, errors.New("not implemented")
}

func (f *flakyVenue) MinWithdrawQuantity(ctx context.Context, asset string) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("not implemented")
}

func (f *flakyVenue) WithdrawFee(ctx context.Context, asset, network string) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("not implemented")
}

func TestGuarded_BreakerTripsOnConsecutiveQueryFailures(t *testing.T) {
	inner := &flakyVenue{quoteErr: errors.New("boom")}
	g := NewGuarded(inner, 1000)

	for i := 0; i < 5; i++ {
		_, err := g.Quote(context.Background(), "XLM")
		require.Error(t, err)
	}

	// open breaker short-circuits without reaching the venue
	calls := inner.quoteCalls
	_, err := g.Quote(context.Background(), "XLM")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, calls, inner.quoteCalls)
}

func TestGuarded_MutationsBypassTheBreaker(t *testing.T) {
	inner := &flakyVenue{quoteErr: errors.New("boom")}
	g := NewGuarded(inner, 1000)

	for i := 0; i < 6; i++ {
		_, _ = g.Quote(context.Background(), "XLM")
	}

	// order placement still goes through even with the breaker open
	id, err := g.PlaceMarketOrder(context.Background(), "XLM", SideBuy, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, "order-1", id)
	assert.Equal(t, 1, inner.placeCalls)
}

func TestGuarded_PassesThroughHealthyCalls(t *testing.T) {
	inner := &flakyVenue{}
	g := NewGuarded(inner, 1000)

	q, err := g.Quote(context.Background(), "XLM")
	require.NoError(t, err)
	assert.True(t, q.Bid.Equal(decimal.NewFromInt(1)))

	balances, err := g.Balances(context.Background())
	require.NoError(t, err)
	assert.Empty(t, balances)
}
