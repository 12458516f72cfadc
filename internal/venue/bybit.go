package venue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/baby1000001000/makeMoneyBot/internal/entity"
)

// BybitVenue adapts a Bybit unified spot account to the Venue port.
type BybitVenue struct {
	client *bybit.Client
	quote  string
}

// NewBybitVenue wraps an injected Bybit client. The client is owned by the
// caller and shared for the venue's lifetime.
func NewBybitVenue(client *bybit.Client, quoteCurrency string) *BybitVenue {
	return &BybitVenue{client: client, quote: quoteCurrency}
}

func (v *BybitVenue) Name() string { return "bybit" }

func (v *BybitVenue) symbol(asset string) bybit.SymbolV5 {
	p := entity.Pair{From: asset, To: v.quote}
	return bybit.SymbolV5(p.Symbol())
}

func (v *BybitVenue) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	res, err := v.client.V5().Account().GetWalletBalance(bybit.AccountTypeV5UNIFIED, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get bybit wallet balance")
	}

	out := make(map[string]decimal.Decimal)
	for _, acc := range res.Result.List {
		for _, c := range acc.Coin {
			free, err := decimal.NewFromString(c.WalletBalance)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to parse bybit balance for %s", c.Coin)
			}
			if free.GreaterThan(decimal.Zero) {
				out[string(c.Coin)] = free
			}
		}
	}
	return out, nil
}

func (v *BybitVenue) Quote(ctx context.Context, asset string) (Quote, error) {
	symbol := v.symbol(asset)
	res, err := v.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   &symbol,
	})
	if err != nil {
		return Quote{}, errors.Wrap(err, "failed to get bybit tickers")
	}
	if len(res.Result.Spot.List) == 0 {
		return Quote{}, fmt.Errorf("bybit returned no ticker for %s", symbol)
	}

	item := res.Result.Spot.List[0]
	bid, err := decimal.NewFromString(item.Bid1Price)
	if err != nil {
		return Quote{}, errors.Wrap(err, "failed to parse bybit bid price")
	}
	ask, err := decimal.NewFromString(item.Ask1Price)
	if err != nil {
		return Quote{}, errors.Wrap(err, "failed to parse bybit ask price")
	}
	return Quote{Bid: bid, Ask: ask}, nil
}

func (v *BybitVenue) PlaceMarketOrder(ctx context.Context, asset string, side Side, quantity decimal.Decimal) (string, error) {
	quantity = quantity.RoundFloor(4)

	sideV5 := bybit.SideBuy
	if side == SideSell {
		sideV5 = bybit.SideSell
	}

	orderLinkID := "arb-" + uuid.NewString()
	_, err := v.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      v.symbol(asset),
		Side:        sideV5,
		OrderType:   bybit.OrderTypeMarket,
		Qty:         quantity.String(),
		OrderLinkID: &orderLinkID,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to create bybit market order")
	}
	return orderLinkID, nil
}

func (v *BybitVenue) Order(ctx context.Context, asset, orderID string) (Order, error) {
	symbol := v.symbol(asset)
	res, err := v.client.V5().Order().GetHistoryOrders(bybit.V5GetHistoryOrdersParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      &symbol,
		OrderLinkID: &orderID,
	})
	if err != nil {
		return Order{}, errors.Wrap(err, "failed to query bybit order")
	}
	if len(res.Result.List) == 0 {
		return Order{}, fmt.Errorf("bybit does not know order %s", orderID)
	}

	item := res.Result.List[0]
	executedQty := decimal.Zero
	if item.CumExecQty != "" {
		executedQty, err = decimal.NewFromString(item.CumExecQty)
		if err != nil {
			return Order{}, errors.Wrap(err, "failed to parse bybit executed quantity")
		}
	}
	avgPrice := decimal.Zero
	if item.AvgPrice != "" {
		avgPrice, err = decimal.NewFromString(item.AvgPrice)
		if err != nil {
			return Order{}, errors.Wrap(err, "failed to parse bybit average price")
		}
	}

	status := OrderStatusNew
	switch item.OrderStatus {
	case bybit.OrderStatusFilled:
		status = OrderStatusFilled
	case bybit.OrderStatusPartiallyFilled:
		status = OrderStatusPartial
	case bybit.OrderStatusCancelled:
		status = OrderStatusCanceled
	case bybit.OrderStatusRejected:
		status = OrderStatusRejected
	}

	return Order{ID: orderID, ExecutedQty: executedQty, AvgPrice: avgPrice, Status: status}, nil
}

func (v *BybitVenue) DepositAddress(ctx context.Context, asset, preferredNetwork string) (DepositAddress, error) {
	param := bybit.V5GetMasterDepositAddressParam{Coin: bybit.Coin(asset)}
	if preferredNetwork != "" {
		param.ChainType = &preferredNetwork
	}
	res, err := v.client.V5().Asset().GetMasterDepositAddress(param)
	if err != nil {
		return DepositAddress{}, errors.Wrap(err, "failed to get bybit deposit address")
	}

	for _, chain := range res.Result.Chains {
		if preferredNetwork != "" && chain.Chain != preferredNetwork && chain.ChainType != preferredNetwork {
			continue
		}
		if chain.AddressDeposit == "" {
			continue
		}
		return DepositAddress{
			Address: chain.AddressDeposit,
			Memo:    chain.TagDeposit,
			Network: chain.Chain,
		}, nil
	}
	return DepositAddress{}, fmt.Errorf("bybit has no deposit address for %s on %q", asset, preferredNetwork)
}

func (v *BybitVenue) Withdraw(ctx context.Context, asset string, addr DepositAddress, amount decimal.Decimal) (string, error) {
	param := bybit.V5WithdrawParam{
		Coin:      bybit.Coin(asset),
		Address:   addr.Address,
		Amount:    amount.String(),
		Timestamp: time.Now().UnixMilli(),
	}
	if addr.Network != "" {
		param.Chain = &addr.Network
	}
	if addr.Memo != "" {
		param.Tag = &addr.Memo
	}

	res, err := v.client.V5().Asset().Withdraw(param)
	if err != nil {
		return "", errors.Wrap(err, "failed to submit bybit withdrawal")
	}
	return res.Result.ID, nil
}

func (v *BybitVenue) WithdrawalStatus(ctx context.Context, asset, withdrawalID string) (WithdrawalState, error) {
	coin := bybit.Coin(asset)
	res, err := v.client.V5().Asset().GetWithdrawalRecords(bybit.V5GetWithdrawalRecordsParam{
		Coin:       &coin,
		WithdrawID: &withdrawalID,
	})
	if err != nil {
		return WithdrawalUnknown, errors.Wrap(err, "failed to query bybit withdrawal records")
	}

	for _, row := range res.Result.Rows {
		if row.WithdrawID != withdrawalID {
			continue
		}
		switch row.Status {
		case "success", "BlockchainConfirmed":
			return WithdrawalCompleted, nil
		case "CancelByUser", "Reject", "Fail":
			return WithdrawalFailed, nil
		default:
			return WithdrawalPending, nil
		}
	}
	return WithdrawalUnknown, nil
}

func (v *BybitVenue) MinWithdrawQuantity(ctx context.Context, asset string) (decimal.Decimal, error) {
	chain, err := v.chainInfo(ctx, asset, "")
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(chain.WithdrawMin)
}

func (v *BybitVenue) WithdrawFee(ctx context.Context, asset, network string) (decimal.Decimal, error) {
	chain, err := v.chainInfo(ctx, asset, network)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(chain.WithdrawFee)
}

func (v *BybitVenue) chainInfo(ctx context.Context, asset, network string) (*bybit.V5GetCoinInfoChain, error) {
	coin := bybit.Coin(asset)
	res, err := v.client.V5().Asset().GetCoinInfo(bybit.V5GetCoinInfoParam{Coin: &coin})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get bybit coin info")
	}

	for _, row := range res.Result.Rows {
		if string(row.Coin) != asset {
			continue
		}
		for i := range row.Chains {
			c := &row.Chains[i]
			if network == "" || c.Chain == network || c.ChainType == network {
				return c, nil
			}
		}
	}
	return nil, fmt.Errorf("bybit has no chain config for %s/%s", asset, network)
}
