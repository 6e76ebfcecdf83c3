package service

import (
	"sort"
	"sync"

	"ledger_sync/internal/domain"
)

// ChainView is the in-memory copy of chain state the client renders from.
// Every slot is replaced wholesale under a generation number.
type ChainView struct {
	nativeDenom string
	stableDenom string

	balances Versioned[domain.Balances]
	tickers  Versioned[*domain.TickerSet]
	supply   Versioned[[]domain.Coin]

	mu         sync.RWMutex
	orderBooks map[string]*Versioned[domain.OrderBook]
	trades     map[string]*Versioned[[]domain.Trade]
	seeded     map[string]struct{}
}

// NewChainView creates an empty view. The native and stable denoms are always known assets.
func NewChainView(nativeDenom, stableDenom string) *ChainView {
	return &ChainView{
		nativeDenom: nativeDenom,
		stableDenom: stableDenom,
		orderBooks:  make(map[string]*Versioned[domain.OrderBook]),
		trades:      make(map[string]*Versioned[[]domain.Trade]),
		seeded:      make(map[string]struct{}),
	}
}

func (v *ChainView) Balances() *Versioned[domain.Balances] { return &v.balances }

func (v *ChainView) Tickers() *Versioned[*domain.TickerSet] { return &v.tickers }

func (v *ChainView) Supply() *Versioned[[]domain.Coin] { return &v.supply }

// OrderBook returns the slot for marketID, creating it on first use.
func (v *ChainView) OrderBook(marketID string) *Versioned[domain.OrderBook] {
	v.mu.RLock()
	slot, ok := v.orderBooks[marketID]
	v.mu.RUnlock()
	if ok {
		return slot
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if slot, ok = v.orderBooks[marketID]; !ok {
		slot = &Versioned[domain.OrderBook]{}
		v.orderBooks[marketID] = slot
	}
	return slot
}

// Trades returns the recent-trades slot for marketID, creating it on first use.
func (v *ChainView) Trades(marketID string) *Versioned[[]domain.Trade] {
	v.mu.RLock()
	slot, ok := v.trades[marketID]
	v.mu.RUnlock()
	if ok {
		return slot
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if slot, ok = v.trades[marketID]; !ok {
		slot = &Versioned[[]domain.Trade]{}
		v.trades[marketID] = slot
	}
	return slot
}

// LookupOrderBook returns a book that has been loaded at least once.
func (v *ChainView) LookupOrderBook(marketID string) (domain.OrderBook, bool) {
	v.mu.RLock()
	slot, ok := v.orderBooks[marketID]
	v.mu.RUnlock()
	if !ok || slot.Generation() == 0 {
		return domain.OrderBook{}, false
	}
	return slot.Load(), true
}

// SeedAssets adds denoms known from elsewhere, e.g. the persisted registry.
func (v *ChainView) SeedAssets(denoms []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, d := range denoms {
		if d != "" {
			v.seeded[d] = struct{}{}
		}
	}
}

// Assets returns every known denom in sorted order: native, stable, seeded,
// held, listed in a ticker, or present in the supply.
func (v *ChainView) Assets() []string {
	set := map[string]struct{}{}
	add := func(d string) {
		if d != "" {
			set[d] = struct{}{}
		}
	}

	add(v.nativeDenom)
	add(v.stableDenom)

	v.mu.RLock()
	for d := range v.seeded {
		add(d)
	}
	v.mu.RUnlock()

	for d := range v.balances.Load().Coins {
		add(d)
	}
	for _, d := range v.tickers.Load().Denoms() {
		add(d)
	}
	for _, c := range v.supply.Load() {
		add(c.Denom)
	}

	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Markets returns the ids of every loaded order book in sorted order.
func (v *ChainView) Markets() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.orderBooks))
	for id, slot := range v.orderBooks {
		if slot.Generation() > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
