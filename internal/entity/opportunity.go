package entity

import "github.com/shopspring/decimal"

// Direction of an arbitrage run: where the asset is bought and where it is sold.
type Direction string

const (
	// DirectionAtoB buys on venue A, transfers to venue B, sells there.
	DirectionAtoB Direction = "a_to_b"
	// DirectionBtoA buys on venue B, transfers to venue A, sells there.
	DirectionBtoA Direction = "b_to_a"
)

// String returns the string representation.
func (d Direction) String() string {
	return string(d)
}

// IsValid checks if the Direction value is valid.
func (d Direction) IsValid() bool {
	return d == DirectionAtoB || d == DirectionBtoA
}

// Opportunity is a candidate arbitrage produced by the scanner (or handed in
// by the caller). Consumed read-only by the saga engine.
type Opportunity struct {
	Asset                 string
	Direction             Direction
	ExpectedProfitPerUnit decimal.Decimal
	Snapshot              Snapshot
}
