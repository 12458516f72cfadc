package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// VenueState holds one venue's free balances and best prices for an asset
// at the moment a snapshot was taken. A failed venue query leaves the
// fields zero and records the failure in Err.
type VenueState struct {
	QuoteFree decimal.Decimal `json:"quote_free"`
	AssetFree decimal.Decimal `json:"asset_free"`
	BestBid   decimal.Decimal `json:"best_bid"`
	BestAsk   decimal.Decimal `json:"best_ask"`
	Err       string          `json:"err,omitempty"`
}

// Snapshot is a point-in-time read of both venues' balances and prices for
// one asset. All saga decisions are taken against a snapshot, never against
// cached state. Immutable once returned.
type Snapshot struct {
	Taken  time.Time  `json:"taken"`
	Asset  string     `json:"asset"`
	VenueA VenueState `json:"venue_a"`
	VenueB VenueState `json:"venue_b"`
}

// Valid reports whether the snapshot may drive decisions: every one of the
// four prices must be strictly positive.
func (s *Snapshot) Valid() bool {
	for _, p := range []decimal.Decimal{s.VenueA.BestBid, s.VenueA.BestAsk, s.VenueB.BestBid, s.VenueB.BestAsk} {
		if !p.GreaterThan(decimal.Zero) {
			return false
		}
	}
	return true
}

// TotalAsset returns the combined free asset inventory across both venues.
func (s *Snapshot) TotalAsset() decimal.Decimal {
	return s.VenueA.AssetFree.Add(s.VenueB.AssetFree)
}

// TotalQuote returns the combined free quote-currency balance across both venues.
func (s *Snapshot) TotalQuote() decimal.Decimal {
	return s.VenueA.QuoteFree.Add(s.VenueB.QuoteFree)
}
