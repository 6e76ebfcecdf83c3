package service

import (
	"context"
	"testing"

	"ledger_sync/internal/domain"

	"github.com/shopspring/decimal"
)

func TestPriceService_Recompute(t *testing.T) {
	var published []PriceTable
	svc := NewPriceService(NewResolver(native, stable, nil, nil, WithStablePeg()), func(pt PriceTable) {
		published = append(published, pt)
	})

	tickers := domain.NewTickerSet([]domain.MarketTicker{
		tk(native, stable, "1", "0.5"),
		tk("X", native, "2", "2"),
		tk("Y", stable, "3", "190"),
	})

	table, ok := svc.Recompute(context.Background(), []string{native, stable, "X", "Y", "Z"}, tickers)
	if !ok {
		t.Fatal("recompute should apply")
	}
	if len(published) != 1 {
		t.Fatalf("expected 1 publication, got %d", len(published))
	}
	if !table.Anchor.Equal(d("0.5")) {
		t.Errorf("anchor = %s", table.Anchor)
	}

	want := map[string]string{native: "0.5", stable: "1", "X": "1", "Y": "190", "Z": "0"}
	for denom, price := range want {
		if got := svc.USD(denom); !got.Equal(d(price)) {
			t.Errorf("USD(%s) = %s, want %s", denom, got, price)
		}
	}
	if svc.Priced() != 4 {
		t.Errorf("priced = %d, want 4", svc.Priced())
	}
}

func TestPriceService_GetAllDataSorted(t *testing.T) {
	svc := NewPriceService(NewResolver(native, stable, nil, nil), nil)
	svc.Recompute(context.Background(), []string{"b", "a", "c"}, nil)

	all := svc.GetAllData()
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].Denom != "a" || all[1].Denom != "b" || all[2].Denom != "c" {
		t.Errorf("unexpected order: %v", all)
	}
}

func TestPriceService_TableSwappedWholesale(t *testing.T) {
	svc := NewPriceService(NewResolver(native, stable, nil, nil), nil)

	first, _ := svc.Recompute(context.Background(), []string{"Y"}, domain.NewTickerSet([]domain.MarketTicker{tk("Y", stable, "1", "2")}))
	svc.Recompute(context.Background(), []string{"Y"}, domain.NewTickerSet([]domain.MarketTicker{tk("Y", stable, "1", "3")}))

	if !first.Prices["Y"].Equal(d("2")) {
		t.Error("a published table must never change")
	}
	if !svc.USD("Y").Equal(d("3")) {
		t.Errorf("USD(Y) = %s, want 3", svc.USD("Y"))
	}
	if svc.Generation() != 2 {
		t.Errorf("generation = %d, want 2", svc.Generation())
	}
}

func TestPriceService_PortfolioUSD(t *testing.T) {
	svc := NewPriceService(NewResolver(native, stable, nil, &stubOracle{price: d("2")}), nil)
	svc.Recompute(context.Background(), []string{native}, nil)

	b := domain.NewBalances("cosmos1me", []domain.Coin{
		{Denom: native, Amount: decimal.NewFromInt(10)},
		{Denom: "unpriced", Amount: decimal.NewFromInt(5)},
	})
	if got := svc.PortfolioUSD(b); !got.Equal(d("20")) {
		t.Errorf("portfolio = %s, want 20", got)
	}
}
