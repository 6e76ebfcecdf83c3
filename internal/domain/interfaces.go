package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// BalanceFetcher loads the balances of one account.
type BalanceFetcher interface {
	Balances(ctx context.Context, address string) ([]Coin, error)
}

// SupplyFetcher loads the total supply of every denom on chain.
type SupplyFetcher interface {
	Supply(ctx context.Context) ([]Coin, error)
}

// TickerFetcher loads the 24h snapshot of every market.
type TickerFetcher interface {
	Tickers(ctx context.Context) ([]MarketTicker, error)
}

// TradeHistory loads the most recent trades of a market, newest first.
type TradeHistory interface {
	Trades(ctx context.Context, marketID string, limit int) ([]Trade, error)
}

// OrderBookFetcher loads the depth snapshot of a market.
type OrderBookFetcher interface {
	OrderBook(ctx context.Context, marketID string) (OrderBook, error)
}

// ChainAPI bundles every chain-side collaborator the sync layer consumes.
type ChainAPI interface {
	BalanceFetcher
	SupplyFetcher
	TickerFetcher
	TradeHistory
	OrderBookFetcher
}

// USDOracle is the external price source for the chain's native asset.
type USDOracle interface {
	NativeUSD(ctx context.Context) (decimal.Decimal, error)
}

// LiveStatus is implemented by whatever owns the ledger event channel.
type LiveStatus interface {
	IsLive() bool
	State() ConnectionState
}

// SettingsStore is the external store user settings are read from and written to.
type SettingsStore interface {
	SaveConfig(key, value string) error
	LoadConfigMap() (map[string]string, error)
}
