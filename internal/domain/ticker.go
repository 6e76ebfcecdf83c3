package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketTicker is a rolling 24h snapshot of one market.
type MarketTicker struct {
	Base        string          `json:"base"`
	Quote       string          `json:"quote"`
	MarketID    string          `json:"market_id"`
	LastPrice   decimal.Decimal `json:"last_price"`
	BaseVolume  decimal.Decimal `json:"base_volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	Bid         decimal.Decimal `json:"bid"`
	Ask         decimal.Decimal `json:"ask"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	OpenPrice   decimal.Decimal `json:"open_price"`
	Change      decimal.Decimal `json:"change"` // 24h change (%)
}

// PairKey identifies a market by its base and quote denoms.
type PairKey struct {
	Base  string
	Quote string
}

// Pair returns the ticker's base/quote key.
func (t MarketTicker) Pair() PairKey {
	return PairKey{Base: t.Base, Quote: t.Quote}
}

// ChangeDirection returns "positive", "negative", or "neutral"
func (t MarketTicker) ChangeDirection() string {
	if t.Change.IsPositive() {
		return "positive"
	}
	if t.Change.IsNegative() {
		return "negative"
	}
	return "neutral"
}

// Spread returns ask - bid, or nil when either side is missing.
func (t MarketTicker) Spread() *decimal.Decimal {
	if !t.Bid.IsPositive() || !t.Ask.IsPositive() {
		return nil
	}
	s := t.Ask.Sub(t.Bid)
	return &s
}

// TickerSet is an immutable, indexed ticker snapshot.
type TickerSet struct {
	list   []MarketTicker
	byPair map[PairKey]int
	byID   map[string]int
}

// NewTickerSet indexes tickers. When two tickers share a pair, the first one wins.
func NewTickerSet(tickers []MarketTicker) *TickerSet {
	ts := &TickerSet{
		list:   make([]MarketTicker, len(tickers)),
		byPair: make(map[PairKey]int, len(tickers)),
		byID:   make(map[string]int, len(tickers)),
	}
	copy(ts.list, tickers)
	for i, t := range ts.list {
		if _, ok := ts.byPair[t.Pair()]; !ok {
			ts.byPair[t.Pair()] = i
		}
		if t.MarketID != "" {
			if _, ok := ts.byID[t.MarketID]; !ok {
				ts.byID[t.MarketID] = i
			}
		}
	}
	return ts
}

// Find returns the ticker for base/quote.
func (ts *TickerSet) Find(base, quote string) (MarketTicker, bool) {
	if ts == nil {
		return MarketTicker{}, false
	}
	i, ok := ts.byPair[PairKey{Base: base, Quote: quote}]
	if !ok {
		return MarketTicker{}, false
	}
	return ts.list[i], true
}

// ByMarketID returns the ticker for a market id.
func (ts *TickerSet) ByMarketID(id string) (MarketTicker, bool) {
	if ts == nil {
		return MarketTicker{}, false
	}
	i, ok := ts.byID[id]
	if !ok {
		return MarketTicker{}, false
	}
	return ts.list[i], true
}

// All returns a copy of the tickers in their original order.
func (ts *TickerSet) All() []MarketTicker {
	if ts == nil {
		return nil
	}
	out := make([]MarketTicker, len(ts.list))
	copy(out, ts.list)
	return out
}

// Len returns the number of tickers.
func (ts *TickerSet) Len() int {
	if ts == nil {
		return 0
	}
	return len(ts.list)
}

// Denoms returns every base and quote denom referenced by the set.
func (ts *TickerSet) Denoms() []string {
	if ts == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(ts.list)*2)
	out := make([]string, 0, len(ts.list)*2)
	for _, t := range ts.list {
		for _, d := range []string{t.Base, t.Quote} {
			if d == "" {
				continue
			}
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}

// Trade is one executed trade in a market.
type Trade struct {
	MarketID  string          `json:"market_id"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Side      string          `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
}

// PriceLevel is an aggregated order book level.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook is a depth snapshot of one market.
type OrderBook struct {
	MarketID string       `json:"market_id"`
	Bids     []PriceLevel `json:"bids"`
	Asks     []PriceLevel `json:"asks"`
}

// BestBid returns the highest bid, if any.
func (ob OrderBook) BestBid() (PriceLevel, bool) {
	if len(ob.Bids) == 0 {
		return PriceLevel{}, false
	}
	best := ob.Bids[0]
	for _, l := range ob.Bids[1:] {
		if l.Price.GreaterThan(best.Price) {
			best = l
		}
	}
	return best, true
}

// BestAsk returns the lowest ask, if any.
func (ob OrderBook) BestAsk() (PriceLevel, bool) {
	if len(ob.Asks) == 0 {
		return PriceLevel{}, false
	}
	best := ob.Asks[0]
	for _, l := range ob.Asks[1:] {
		if l.Price.LessThan(best.Price) {
			best = l
		}
	}
	return best, true
}

// PriceEntry is one row of the USD price table.
type PriceEntry struct {
	Denom    string          `json:"denom"`
	USDPrice decimal.Decimal `json:"usd_price"`
}
