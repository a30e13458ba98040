package binance

import (
	"context"
	"time"

	"quantis-trader/internal/market"
)

// MarketClient defines the Binance operations the bot relies on
type MarketClient interface {
	FetchCandles(ctx context.Context, symbol string, g market.Granularity, start time.Time, limit int) ([]market.Candle, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
	GetAssetBalance(ctx context.Context, asset string) (float64, error)
}

// Ensure both Client and MockClient implement MarketClient
var _ MarketClient = (*Client)(nil)
var _ MarketClient = (*MockClient)(nil)
