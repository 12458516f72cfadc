package scanner

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baby1000001000/makeMoneyBot/internal/entity"
)

func snapWithPrices(aBid, aAsk, bBid, bAsk float64) entity.Snapshot {
	return entity.Snapshot{
		Asset: "XLM",
		VenueA: entity.VenueState{
			BestBid: decimal.NewFromFloat(aBid),
			BestAsk: decimal.NewFromFloat(aAsk),
		},
		VenueB: entity.VenueState{
			BestBid: decimal.NewFromFloat(bBid),
			BestAsk: decimal.NewFromFloat(bAsk),
		},
	}
}

func TestScan(t *testing.T) {
	t.Run("a to b opportunity", func(t *testing.T) {
		snap := snapWithPrices(0.99, 1.00, 1.05, 1.06)

		opps := Scan(snap, decimal.Zero)
		require.Len(t, opps, 1)
		assert.Equal(t, entity.DirectionAtoB, opps[0].Direction)
		assert.True(t, opps[0].ExpectedProfitPerUnit.Equal(decimal.NewFromFloat(0.05)))
	})

	t.Run("no opportunity below threshold", func(t *testing.T) {
		snap := snapWithPrices(0.99, 1.00, 1.05, 1.06)

		opps := Scan(snap, decimal.NewFromFloat(0.1))
		assert.Empty(t, opps)
	})

	t.Run("best direction first", func(t *testing.T) {
		// both directions profitable only with crossed books; contrived but
		// the ordering contract matters
		snap := snapWithPrices(1.10, 1.00, 1.05, 1.02)

		opps := Scan(snap, decimal.Zero)
		require.Len(t, opps, 2)
		assert.Equal(t, entity.DirectionBtoA, opps[0].Direction)
		assert.True(t, opps[0].ExpectedProfitPerUnit.GreaterThan(opps[1].ExpectedProfitPerUnit))
	})

	t.Run("invalid snapshot yields nothing", func(t *testing.T) {
		snap := snapWithPrices(0.99, 1.00, 1.05, 0)
		assert.Nil(t, Scan(snap, decimal.Zero))
	})
}
