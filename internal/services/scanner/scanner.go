// Package scanner derives arbitrage candidates from a snapshot by
// comparing one venue's ask against the other's bid.
package scanner

import (
	"github.com/shopspring/decimal"

	"github.com/baby1000001000/makeMoneyBot/internal/entity"
)

// Scan returns the directions whose expected profit per unit exceeds
// minProfitPerUnit, best first. An invalid snapshot yields nothing.
func Scan(snap entity.Snapshot, minProfitPerUnit decimal.Decimal) []entity.Opportunity {
	if !snap.Valid() {
		return nil
	}

	var out []entity.Opportunity

	// buy at A's ask, sell at B's bid
	aToB := snap.VenueB.BestBid.Sub(snap.VenueA.BestAsk)
	if aToB.GreaterThan(minProfitPerUnit) {
		out = append(out, entity.Opportunity{
			Asset:                 snap.Asset,
			Direction:             entity.DirectionAtoB,
			ExpectedProfitPerUnit: aToB,
			Snapshot:              snap,
		})
	}

	bToA := snap.VenueA.BestBid.Sub(snap.VenueB.BestAsk)
	if bToA.GreaterThan(minProfitPerUnit) {
		out = append(out, entity.Opportunity{
			Asset:                 snap.Asset,
			Direction:             entity.DirectionBtoA,
			ExpectedProfitPerUnit: bToA,
			Snapshot:              snap,
		})
	}

	if len(out) == 2 && out[1].ExpectedProfitPerUnit.GreaterThan(out[0].ExpectedProfitPerUnit) {
		out[0], out[1] = out[1], out[0]
	}
	return out
}
