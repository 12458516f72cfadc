// Package snapshot aggregates both venues' balances and best prices into a
// single point-in-time record. Saga decisions are taken against a snapshot,
// never against cached state.
package snapshot

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/baby1000001000/makeMoneyBot/internal/entity"
	"github.com/baby1000001000/makeMoneyBot/internal/venue"
)

const defaultVenueTimeout = 10 * time.Second

// Service takes snapshots across a fixed pair of venues.
type Service struct {
	venueA       venue.Venue
	venueB       venue.Venue
	quote        string
	venueTimeout time.Duration
	logger       *zap.Logger
}

// New creates a snapshot service over the two venues.
func New(logger *zap.Logger, venueA, venueB venue.Venue, quoteCurrency string) *Service {
	return &Service{
		venueA:       venueA,
		venueB:       venueB,
		quote:        quoteCurrency,
		venueTimeout: defaultVenueTimeout,
		logger:       logger,
	}
}

// Take queries both venues concurrently and returns the combined snapshot.
// A venue failure degrades that venue's fields to zero and is surfaced via
// Snapshot.Valid(), never as an error: downstream logic has one check.
func (s *Service) Take(ctx context.Context, asset string) entity.Snapshot {
	snap := entity.Snapshot{Taken: time.Now(), Asset: asset}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap.VenueA = s.venueState(ctx, s.venueA, asset)
		return nil
	})
	g.Go(func() error {
		snap.VenueB = s.venueState(ctx, s.venueB, asset)
		return nil
	})
	_ = g.Wait()

	return snap
}

func (s *Service) venueState(ctx context.Context, v venue.Venue, asset string) entity.VenueState {
	ctx, cancel := context.WithTimeout(ctx, s.venueTimeout)
	defer cancel()

	var state entity.VenueState

	balances, err := v.Balances(ctx)
	if err != nil {
		s.logger.Warn("venue balance query failed",
			zap.String("venue", v.Name()), zap.String("asset", asset), zap.Error(err))
		state.Err = err.Error()
		return state
	}
	state.QuoteFree = balanceOrZero(balances, s.quote)
	state.AssetFree = balanceOrZero(balances, asset)

	quote, err := v.Quote(ctx, asset)
	if err != nil {
		s.logger.Warn("venue quote query failed",
			zap.String("venue", v.Name()), zap.String("asset", asset), zap.Error(err))
		state.Err = err.Error()
		return state
	}
	state.BestBid = quote.Bid
	state.BestAsk = quote.Ask

	return state
}

func balanceOrZero(balances map[string]decimal.Decimal, currency string) decimal.Decimal {
	if amount, ok := balances[currency]; ok {
		return amount
	}
	return decimal.Zero
}
