package service

import (
	"context"
	"log/slog"

	"ledger_sync/internal/domain"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// Resolver derives USD prices from market tickers.
//
// A denom is priced through up to two paths:
//
//	A: denom/stable ticker
//	B: denom/native ticker × native USD anchor
//
// A ticker whose last price is zero falls back to the most recent trade of its market.
// When both paths are available the result is their mean; when neither is, zero.
type Resolver struct {
	nativeDenom string
	stableDenom string
	stablePeg   bool
	history     domain.TradeHistory
	oracle      domain.USDOracle
	logger      *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithStablePeg prices the stable denom at 1 when no market prices it.
func WithStablePeg() ResolverOption {
	return func(r *Resolver) { r.stablePeg = true }
}

// WithResolverLogger sets the resolver logger.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l.With(slog.String("module", "price_resolver")) }
}

// NewResolver creates a resolver. history and oracle may be nil.
func NewResolver(nativeDenom, stableDenom string, history domain.TradeHistory, oracle domain.USDOracle, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		nativeDenom: nativeDenom,
		stableDenom: stableDenom,
		history:     history,
		oracle:      oracle,
		logger:      slog.Default().With(slog.String("module", "price_resolver")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveUSD prices one denom. The native denom resolves to anchor. The result is never negative.
func (r *Resolver) ResolveUSD(ctx context.Context, denom string, tickers *domain.TickerSet, anchor decimal.Decimal) decimal.Decimal {
	if denom == r.nativeDenom {
		if anchor.IsPositive() {
			return anchor
		}
		return decimal.Zero
	}

	pathA, okA := r.marketPrice(ctx, denom, r.stableDenom, tickers)

	var pathB decimal.Decimal
	okB := false
	if anchor.IsPositive() {
		if p, ok := r.marketPrice(ctx, denom, r.nativeDenom, tickers); ok {
			pathB, okB = p.Mul(anchor), true
		}
	}

	switch {
	case okA && okB:
		return pathA.Add(pathB).Div(two)
	case okA:
		return pathA
	case okB:
		return pathB
	case r.stablePeg && denom == r.stableDenom:
		return decimal.NewFromInt(1)
	default:
		return decimal.Zero
	}
}

// NativeAnchor prices the native denom in USD: native/stable market first, then the oracle.
func (r *Resolver) NativeAnchor(ctx context.Context, tickers *domain.TickerSet) decimal.Decimal {
	if p, ok := r.marketPrice(ctx, r.nativeDenom, r.stableDenom, tickers); ok {
		return p
	}

	if r.oracle == nil {
		return decimal.Zero
	}
	quote, err := r.oracle.NativeUSD(ctx)
	if err != nil {
		r.logger.Warn("Oracle quote unavailable", slog.Any("error", err))
		return decimal.Zero
	}
	if !quote.IsPositive() {
		return decimal.Zero
	}
	return quote
}

// ResolveAll prices every denom against one anchor computed up front.
func (r *Resolver) ResolveAll(ctx context.Context, denoms []string, tickers *domain.TickerSet) (map[string]decimal.Decimal, decimal.Decimal) {
	anchor := r.NativeAnchor(ctx, tickers)

	prices := make(map[string]decimal.Decimal, len(denoms))
	for _, d := range denoms {
		if _, done := prices[d]; done {
			continue
		}
		prices[d] = r.ResolveUSD(ctx, d, tickers, anchor)
	}
	return prices, anchor
}

// marketPrice returns the last price of base/quote, or the latest trade when the last price is zero.
func (r *Resolver) marketPrice(ctx context.Context, base, quote string, tickers *domain.TickerSet) (decimal.Decimal, bool) {
	t, ok := tickers.Find(base, quote)
	if !ok {
		return decimal.Zero, false
	}
	if t.LastPrice.IsPositive() {
		return t.LastPrice, true
	}
	if !t.LastPrice.IsZero() {
		return decimal.Zero, false
	}
	return r.latestTrade(ctx, t.MarketID)
}

func (r *Resolver) latestTrade(ctx context.Context, marketID string) (decimal.Decimal, bool) {
	if r.history == nil || marketID == "" {
		return decimal.Zero, false
	}
	trades, err := r.history.Trades(ctx, marketID, 1)
	if err != nil {
		r.logger.Warn("Trade history unavailable", slog.String("market_id", marketID), slog.Any("error", err))
		return decimal.Zero, false
	}
	if len(trades) == 0 || !trades[0].Price.IsPositive() {
		return decimal.Zero, false
	}
	return trades[0].Price, true
}
