package venue

import (
	"context"
	"fmt"

	"github.com/adshao/go-binance/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/baby1000001000/makeMoneyBot/internal/entity"
)

const binanceOrderPrefix = "arb-"

// BinanceVenue adapts a Binance spot account to the Venue port.
type BinanceVenue struct {
	client *binance.Client
	quote  string
}

// NewBinanceVenue wraps an injected Binance client. The client is owned by
// the caller and shared for the venue's lifetime.
func NewBinanceVenue(client *binance.Client, quoteCurrency string) *BinanceVenue {
	return &BinanceVenue{client: client, quote: quoteCurrency}
}

func (v *BinanceVenue) Name() string { return "binance" }

func (v *BinanceVenue) symbol(asset string) string {
	p := entity.Pair{From: asset, To: v.quote}
	return p.Symbol()
}

func (v *BinanceVenue) Balances(ctx context.Context) (map[string]decimal.Decimal, error) {
	account, err := v.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get binance account balances")
	}

	out := make(map[string]decimal.Decimal, len(account.Balances))
	for _, b := range account.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse binance free balance for %s", b.Asset)
		}
		if free.GreaterThan(decimal.Zero) {
			out[b.Asset] = free
		}
	}
	return out, nil
}

func (v *BinanceVenue) Quote(ctx context.Context, asset string) (Quote, error) {
	tickers, err := v.client.NewListBookTickersService().Symbol(v.symbol(asset)).Do(ctx)
	if err != nil {
		return Quote{}, errors.Wrap(err, "failed to get binance book ticker")
	}
	if len(tickers) == 0 {
		return Quote{}, fmt.Errorf("binance returned no book ticker for %s", v.symbol(asset))
	}

	bid, err := decimal.NewFromString(tickers[0].BidPrice)
	if err != nil {
		return Quote{}, errors.Wrap(err, "failed to parse binance bid price")
	}
	ask, err := decimal.NewFromString(tickers[0].AskPrice)
	if err != nil {
		return Quote{}, errors.Wrap(err, "failed to parse binance ask price")
	}
	return Quote{Bid: bid, Ask: ask}, nil
}

func (v *BinanceVenue) PlaceMarketOrder(ctx context.Context, asset string, side Side, quantity decimal.Decimal) (string, error) {
	quantity = quantity.RoundFloor(4)

	sideType := binance.SideTypeBuy
	if side == SideSell {
		sideType = binance.SideTypeSell
	}

	clientOrderID := binanceOrderPrefix + uuid.NewString()
	_, err := v.client.NewCreateOrderService().Symbol(v.symbol(asset)).
		Side(sideType).Type(binance.OrderTypeMarket).
		Quantity(quantity.String()).
		NewClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to create binance market order")
	}
	return clientOrderID, nil
}

func (v *BinanceVenue) Order(ctx context.Context, asset, orderID string) (Order, error) {
	order, err := v.client.NewGetOrderService().
		Symbol(v.symbol(asset)).
		OrigClientOrderID(orderID).
		Do(ctx)
	if err != nil {
		return Order{}, errors.Wrap(err, "failed to query binance order")
	}

	executedQty, err := decimal.NewFromString(order.ExecutedQuantity)
	if err != nil {
		return Order{}, errors.Wrap(err, "failed to parse binance executed quantity")
	}
	cumQuote, err := decimal.NewFromString(order.CummulativeQuoteQuantity)
	if err != nil {
		return Order{}, errors.Wrap(err, "failed to parse binance quote quantity")
	}

	avgPrice := decimal.Zero
	if executedQty.GreaterThan(decimal.Zero) {
		avgPrice = cumQuote.Div(executedQty)
	}

	status := OrderStatusNew
	switch order.Status {
	case binance.OrderStatusTypeFilled:
		status = OrderStatusFilled
	case binance.OrderStatusTypePartiallyFilled:
		status = OrderStatusPartial
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		status = OrderStatusCanceled
	case binance.OrderStatusTypeRejected:
		status = OrderStatusRejected
	}

	return Order{ID: orderID, ExecutedQty: executedQty, AvgPrice: avgPrice, Status: status}, nil
}

func (v *BinanceVenue) DepositAddress(ctx context.Context, asset, preferredNetwork string) (DepositAddress, error) {
	svc := v.client.NewGetDepositAddressService().Coin(asset)
	if preferredNetwork != "" {
		svc = svc.Network(preferredNetwork)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return DepositAddress{}, errors.Wrap(err, "failed to get binance deposit address")
	}
	if res.Address == "" {
		return DepositAddress{}, fmt.Errorf("binance returned empty deposit address for %s", asset)
	}
	return DepositAddress{Address: res.Address, Memo: res.Tag, Network: preferredNetwork}, nil
}

func (v *BinanceVenue) Withdraw(ctx context.Context, asset string, addr DepositAddress, amount decimal.Decimal) (string, error) {
	svc := v.client.NewCreateWithdrawService().
		Coin(asset).
		Address(addr.Address).
		Amount(amount.String())
	if addr.Network != "" {
		svc = svc.Network(addr.Network)
	}
	if addr.Memo != "" {
		svc = svc.AddressTag(addr.Memo)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return "", errors.Wrap(err, "failed to submit binance withdrawal")
	}
	return res.ID, nil
}

func (v *BinanceVenue) WithdrawalStatus(ctx context.Context, asset, withdrawalID string) (WithdrawalState, error) {
	withdraws, err := v.client.NewListWithdrawsService().Coin(asset).Do(ctx)
	if err != nil {
		return WithdrawalUnknown, errors.Wrap(err, "failed to list binance withdrawals")
	}

	for _, w := range withdraws {
		if w.ID != withdrawalID {
			continue
		}
		// 0 email sent, 2 awaiting approval, 4 processing; 1 cancelled,
		// 3 rejected, 5 failure; 6 completed.
		switch w.Status {
		case 6:
			return WithdrawalCompleted, nil
		case 1, 3, 5:
			return WithdrawalFailed, nil
		default:
			return WithdrawalPending, nil
		}
	}
	return WithdrawalUnknown, nil
}

func (v *BinanceVenue) MinWithdrawQuantity(ctx context.Context, asset string) (decimal.Decimal, error) {
	net, err := v.defaultNetwork(ctx, asset, "")
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(net.WithdrawMin)
}

func (v *BinanceVenue) WithdrawFee(ctx context.Context, asset, network string) (decimal.Decimal, error) {
	net, err := v.defaultNetwork(ctx, asset, network)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(net.WithdrawFee)
}

func (v *BinanceVenue) defaultNetwork(ctx context.Context, asset, network string) (*binance.Network, error) {
	coins, err := v.client.NewGetAllCoinsInfoService().Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get binance coin info")
	}

	for _, c := range coins {
		if c.Coin != asset {
			continue
		}
		for i := range c.NetworkList {
			n := &c.NetworkList[i]
			if network != "" && n.Network == network {
				return n, nil
			}
			if network == "" && n.IsDefault {
				return n, nil
			}
		}
		if network == "" && len(c.NetworkList) > 0 {
			return &c.NetworkList[0], nil
		}
	}
	return nil, fmt.Errorf("binance has no network config for %s/%s", asset, network)
}
