package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseCoins(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []Coin
		wantErr bool
	}{
		{"single", "1500uatom", []Coin{{Denom: "uatom", Amount: decimal.NewFromInt(1500)}}, false},
		{"list", "10uatom,7ibc/27394FB0", []Coin{
			{Denom: "uatom", Amount: decimal.NewFromInt(10)},
			{Denom: "ibc/27394FB0", Amount: decimal.NewFromInt(7)},
		}, false},
		{"quoted", `"5factory/core1x/token"`, []Coin{{Denom: "factory/core1x/token", Amount: decimal.NewFromInt(5)}}, false},
		{"zero amount", "0uusdc", []Coin{{Denom: "uusdc", Amount: decimal.Zero}}, false},
		{"empty", "", nil, false},
		{"missing denom", "100", nil, true},
		{"missing amount", "uatom", nil, true},
		{"garbage", "10uatom,,", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCoins(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCoins(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseCoins(%q) = %v, want %v", tt.input, got, tt.want)
			}
			for i := range got {
				if got[i].Denom != tt.want[i].Denom || !got[i].Amount.Equal(tt.want[i].Amount) {
					t.Errorf("coin %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestBalances_TotalUSD(t *testing.T) {
	b := NewBalances("core1abc", []Coin{
		{Denom: "uatom", Amount: decimal.NewFromInt(10)},
		{Denom: "uatom", Amount: decimal.NewFromInt(5)},
		{Denom: "uusdc", Amount: decimal.NewFromInt(100)},
		{Denom: "unknown", Amount: decimal.NewFromInt(1000)},
	})

	if !b.Amount("uatom").Equal(decimal.NewFromInt(15)) {
		t.Errorf("repeated denoms should be summed, got %v", b.Amount("uatom"))
	}

	prices := map[string]decimal.Decimal{
		"uatom":   decimal.NewFromInt(2),
		"uusdc":   decimal.NewFromInt(1),
		"unknown": decimal.Zero,
	}

	// 15*2 + 100*1; zero-priced denoms are skipped
	if got := b.TotalUSD(prices); !got.Equal(decimal.NewFromInt(130)) {
		t.Errorf("TotalUSD() = %v, want 130", got)
	}

	denoms := b.Denoms()
	if len(denoms) != 3 || denoms[0] != "uatom" {
		t.Errorf("Denoms() = %v", denoms)
	}
}
