// Package engine turns raw ledger events into domain events.
package engine

import (
	"log/slog"
	"strings"

	"ledger_sync/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	attrAmount   = "amount"
	attrMarketID = "market_id"
)

// Rules holds the event-type markers the classifier matches on.
type Rules struct {
	NativeDenom         string
	TransferType        string // exact type of balance-moving events
	BurnMarker          string // substring of supply-burning event types
	CoinbaseMarker      string // substring of minting event types
	OrderBookNamespace  string // substring shared by every order-book event type
	OrderExecutedMarker string // fill sub-type, matched ignoring case and underscores
}

// DefaultRules returns the markers used by the Cosmos SDK bank module and the dex module.
func DefaultRules(nativeDenom string) Rules {
	return Rules{
		NativeDenom:         nativeDenom,
		TransferType:        "transfer",
		BurnMarker:          "burn",
		CoinbaseMarker:      "coinbase",
		OrderBookNamespace:  "dex.",
		OrderExecutedMarker: "order_executed",
	}
}

// Classifier applies Rules to raw events. It holds no state besides its rules.
type Classifier struct {
	rules          Rules
	executedMarker string
	logger         *slog.Logger
}

// NewClassifier creates a classifier. Empty markers fall back to DefaultRules.
func NewClassifier(rules Rules, logger *slog.Logger) *Classifier {
	def := DefaultRules(rules.NativeDenom)
	if rules.TransferType == "" {
		rules.TransferType = def.TransferType
	}
	if rules.BurnMarker == "" {
		rules.BurnMarker = def.BurnMarker
	}
	if rules.CoinbaseMarker == "" {
		rules.CoinbaseMarker = def.CoinbaseMarker
	}
	if rules.OrderBookNamespace == "" {
		rules.OrderBookNamespace = def.OrderBookNamespace
	}
	if rules.OrderExecutedMarker == "" {
		rules.OrderExecutedMarker = def.OrderExecutedMarker
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Classifier{
		rules:          rules,
		executedMarker: normalizeType(rules.OrderExecutedMarker),
		logger:         logger.With(slog.String("module", "classifier")),
	}
}

// Classify maps raw events, in order, to domain events.
// watchedAddress is the current wallet; empty disables balance detection.
func (c *Classifier) Classify(events []domain.RawChainEvent, watchedAddress string) []domain.DomainEvent {
	var out []domain.DomainEvent
	for _, ev := range events {
		if ev.Type == "" {
			continue
		}
		if e, ok := c.supplyOrBalance(ev, watchedAddress); ok {
			out = append(out, e)
		}
		out = append(out, c.market(ev)...)
	}
	return out
}

// supplyOrBalance applies the balance, burn and mint rules; the first match wins.
func (c *Classifier) supplyOrBalance(ev domain.RawChainEvent, watched string) (domain.DomainEvent, bool) {
	if ev.Type == c.rules.TransferType && watched != "" && ev.HasValue(watched) {
		return domain.NewWalletBalanceChanged(), true
	}

	if strings.Contains(ev.Type, c.rules.BurnMarker) {
		return domain.NewSupplyChanged(), true
	}

	if strings.Contains(ev.Type, c.rules.CoinbaseMarker) {
		if c.mintsNonNative(ev) {
			return domain.NewSupplyChanged(), true
		}
	}

	return domain.DomainEvent{}, false
}

// mintsNonNative reports whether a mint event carries any denom other than the native one.
// Amounts are not inspected: a zero-amount non-native coin still counts.
func (c *Classifier) mintsNonNative(ev domain.RawChainEvent) bool {
	raw, _ := ev.Attribute(attrAmount)
	coins, err := domain.ParseCoins(raw)
	if err != nil {
		c.logger.Warn("Unparseable mint amount, assuming native",
			slog.String("type", ev.Type),
			slog.String("amount", raw),
			slog.Any("error", err),
		)
		coins = []domain.Coin{{Denom: c.rules.NativeDenom, Amount: decimal.Zero}}
	}

	for _, coin := range coins {
		if coin.Denom != c.rules.NativeDenom {
			return true
		}
	}
	return false
}

// market applies the order-book rule independently of the others.
func (c *Classifier) market(ev domain.RawChainEvent) []domain.DomainEvent {
	raw, ok := ev.Attribute(attrMarketID)
	if !ok {
		return nil
	}
	id := domain.Unquote(raw)
	if id == "" {
		return nil
	}
	if !strings.Contains(ev.Type, c.rules.OrderBookNamespace) {
		return nil
	}

	out := []domain.DomainEvent{domain.NewOrderBookChanged(id)}
	if strings.Contains(normalizeType(ev.Type), c.executedMarker) {
		out = append(out, domain.NewOrderExecuted(id))
	}
	return out
}

// normalizeType lowercases and drops underscores so "dex.order_executed"
// and "coreum.dex.v1.EventOrderExecuted" match the same marker.
func normalizeType(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", "")
}
