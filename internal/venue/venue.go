// Package venue defines the capability set the saga engine requires of a
// trading venue, plus adapters for the supported exchanges.
package venue

import (
	"context"

	"github.com/shopspring/decimal"
)

// Side of a market order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Quote is the best bid/ask for an asset against the quote currency.
type Quote struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// OrderStatus of a previously placed order.
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "new"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusPartial  OrderStatus = "partial"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)

// Order is the venue's view of an order after submission.
type Order struct {
	ID          string
	ExecutedQty decimal.Decimal
	AvgPrice    decimal.Decimal
	Status      OrderStatus
}

// DepositAddress is a receiving address for an asset on a specific network.
type DepositAddress struct {
	Address string
	Memo    string
	Network string
}

// WithdrawalState is the authoritative status of a submitted withdrawal.
type WithdrawalState string

const (
	WithdrawalPending   WithdrawalState = "pending"
	WithdrawalCompleted WithdrawalState = "completed"
	WithdrawalFailed    WithdrawalState = "failed"
	// WithdrawalUnknown means the venue could not be queried or does not
	// know the id. Callers must not treat it as either success or failure.
	WithdrawalUnknown WithdrawalState = "unknown"
)

// Venue is the port a single trading venue must implement. All operations
// carry a context; implementations must respect its deadline.
type Venue interface {
	// Name identifies the venue in logs and ledger entries.
	Name() string

	// Balances returns free amounts per currency.
	Balances(ctx context.Context) (map[string]decimal.Decimal, error)

	// Quote returns the best bid/ask for asset against the quote currency.
	Quote(ctx context.Context, asset string) (Quote, error)

	// PlaceMarketOrder submits a market order and returns its id. Submission
	// is irreversible: a timeout here means unknown outcome, not failure.
	PlaceMarketOrder(ctx context.Context, asset string, side Side, quantity decimal.Decimal) (string, error)

	// Order fetches the current state of an order by id.
	Order(ctx context.Context, asset, orderID string) (Order, error)

	// DepositAddress returns a receiving address for the asset, preferring
	// the given network when the venue supports several.
	DepositAddress(ctx context.Context, asset, preferredNetwork string) (DepositAddress, error)

	// Withdraw submits a withdrawal and returns the venue's withdrawal id.
	Withdraw(ctx context.Context, asset string, addr DepositAddress, amount decimal.Decimal) (string, error)

	// WithdrawalStatus queries the authoritative state of a withdrawal.
	WithdrawalStatus(ctx context.Context, asset, withdrawalID string) (WithdrawalState, error)

	// MinWithdrawQuantity returns the minimum amount the venue will pay out
	// for the asset.
	MinWithdrawQuantity(ctx context.Context, asset string) (decimal.Decimal, error)

	// WithdrawFee returns the fee charged for withdrawing the asset on the
	// given network.
	WithdrawFee(ctx context.Context, asset, network string) (decimal.Decimal, error)
}
