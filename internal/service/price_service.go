package service

import (
	"context"
	"sort"
	"time"

	"ledger_sync/internal/domain"

	"github.com/shopspring/decimal"
)

// PriceTable is one complete USD price snapshot. It is never modified after publication.
type PriceTable struct {
	Prices    map[string]decimal.Decimal
	Anchor    decimal.Decimal
	UpdatedAt time.Time
}

// PriceService owns the USD price table and recomputes it through the Resolver.
type PriceService struct {
	resolver *Resolver
	table    Versioned[PriceTable]
	onUpdate func(PriceTable)
}

// NewPriceService creates a new PriceService instance
func NewPriceService(resolver *Resolver, onUpdate func(PriceTable)) *PriceService {
	return &PriceService{resolver: resolver, onUpdate: onUpdate}
}

// Recompute prices every denom against tickers and swaps the table in one step.
// A recompute that started before the currently published one is dropped; ok reports whether it was applied.
func (s *PriceService) Recompute(ctx context.Context, denoms []string, tickers *domain.TickerSet) (table PriceTable, ok bool) {
	gen := s.table.Begin()

	prices, anchor := s.resolver.ResolveAll(ctx, denoms, tickers)
	table = PriceTable{Prices: prices, Anchor: anchor, UpdatedAt: time.Now()}

	if !s.table.Apply(gen, table) {
		return table, false
	}
	if s.onUpdate != nil {
		s.onUpdate(table)
	}
	return table, true
}

// Table returns the current snapshot. Callers must not modify the map.
func (s *PriceService) Table() PriceTable {
	return s.table.Load()
}

// USD returns the price of denom, zero when unknown.
func (s *PriceService) USD(denom string) decimal.Decimal {
	return s.table.Load().Prices[denom]
}

// GetAllData returns all price entries sorted by denom
func (s *PriceService) GetAllData() []domain.PriceEntry {
	prices := s.table.Load().Prices

	result := make([]domain.PriceEntry, 0, len(prices))
	for denom, p := range prices {
		result = append(result, domain.PriceEntry{Denom: denom, USDPrice: p})
	}

	// Sort by denom for consistent ordering
	sort.Slice(result, func(i, j int) bool {
		return result[i].Denom < result[j].Denom
	})

	return result
}

// Priced returns how many denoms have a positive price.
func (s *PriceService) Priced() int {
	n := 0
	for _, p := range s.table.Load().Prices {
		if p.IsPositive() {
			n++
		}
	}
	return n
}

// PortfolioUSD values a balance snapshot against the current table.
func (s *PriceService) PortfolioUSD(b domain.Balances) decimal.Decimal {
	return b.TotalUSD(s.table.Load().Prices)
}

// Generation returns the generation of the published table.
func (s *PriceService) Generation() uint64 {
	return s.table.Generation()
}
