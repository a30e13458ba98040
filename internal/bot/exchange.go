package bot

import (
	"context"

	"quantis-trader/internal/binance"
	"quantis-trader/internal/logging"
	"quantis-trader/internal/strategy"
)

// exchange adapts a Binance client to the strategy's balance and price view.
type exchange struct {
	client binance.MarketClient
	logger *logging.Logger
}

// NewExchange wraps client so read failures become a zero balance or a
// missing price instead of an error.
func NewExchange(client binance.MarketClient, logger *logging.Logger) strategy.Exchange {
	if logger == nil {
		logger = logging.WithComponent("exchange")
	}
	return &exchange{client: client, logger: logger}
}

func (e *exchange) AssetBalance(ctx context.Context, asset string) float64 {
	balance, err := e.client.GetAssetBalance(ctx, asset)
	if err != nil {
		e.logger.Error("failed to get asset balance", "asset", asset, "error", err)
		return 0
	}
	return balance
}

func (e *exchange) Price(ctx context.Context, symbol string) (float64, bool) {
	price, err := e.client.GetCurrentPrice(ctx, symbol)
	if err != nil || price <= 0 {
		e.logger.Warn("failed to get current price", "symbol", symbol, "error", err)
		return 0, false
	}
	return price, true
}
