package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Coin is an amount of a single denom.
type Coin struct {
	Denom  string          `json:"denom"`
	Amount decimal.Decimal `json:"amount"`
}

// coinPattern matches "<integer amount><denom>", e.g. "1500uatom" or "7ibc/27394FB0".
var coinPattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)([a-zA-Z][a-zA-Z0-9/:._-]{1,127})$`)

// ParseCoins parses a comma separated coin list as found in mint and transfer events.
// An empty string yields an empty list.
func ParseCoins(s string) ([]Coin, error) {
	s = strings.TrimSpace(Unquote(s))
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	coins := make([]Coin, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		m := coinPattern.FindStringSubmatch(part)
		if m == nil {
			return nil, fmt.Errorf("invalid coin %q", part)
		}
		amount, err := decimal.NewFromString(m[1])
		if err != nil {
			return nil, fmt.Errorf("invalid coin amount %q: %w", part, err)
		}
		coins = append(coins, Coin{Denom: m[2], Amount: amount})
	}
	return coins, nil
}

// Balances is a snapshot of one account's holdings keyed by denom.
// Snapshots are replaced wholesale and never mutated after publication.
type Balances struct {
	Address string
	Coins   map[string]decimal.Decimal
}

// NewBalances builds a snapshot from a coin list. Repeated denoms are summed.
func NewBalances(address string, coins []Coin) Balances {
	b := Balances{Address: address, Coins: make(map[string]decimal.Decimal, len(coins))}
	for _, c := range coins {
		b.Coins[c.Denom] = b.Coins[c.Denom].Add(c.Amount)
	}
	return b
}

// Amount returns the balance for denom, zero if absent.
func (b Balances) Amount(denom string) decimal.Decimal {
	return b.Coins[denom]
}

// Denoms returns the held denoms in sorted order.
func (b Balances) Denoms() []string {
	out := make([]string, 0, len(b.Coins))
	for d := range b.Coins {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// TotalUSD values the snapshot against a price table.
// Denoms without a known price contribute nothing.
func (b Balances) TotalUSD(prices map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for denom, amount := range b.Coins {
		price, ok := prices[denom]
		if !ok || !price.IsPositive() {
			continue
		}
		total = total.Add(amount.Mul(price))
	}
	return total
}
