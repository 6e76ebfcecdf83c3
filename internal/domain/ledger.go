package domain

import "strings"

// EventAttribute is one key/value pair attached to a ledger event.
type EventAttribute struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Indexed bool   `json:"index"`
}

// RawChainEvent is an event as emitted by the ledger node, before classification.
// Values are passed through untouched and may carry surrounding quotes.
type RawChainEvent struct {
	Type       string           `json:"type"`
	Attributes []EventAttribute `json:"attributes"`
}

// Attribute returns the first attribute value stored under key.
func (e RawChainEvent) Attribute(key string) (string, bool) {
	for _, attr := range e.Attributes {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// HasValue reports whether any attribute value equals v exactly.
func (e RawChainEvent) HasValue(v string) bool {
	for _, attr := range e.Attributes {
		if attr.Value == v {
			return true
		}
	}
	return false
}

// EventKind identifies a DomainEvent variant.
type EventKind int

const (
	WalletBalanceChanged EventKind = iota + 1
	SupplyChanged
	OrderBookChanged
	OrderExecuted
)

// String returns the string representation of EventKind
func (k EventKind) String() string {
	switch k {
	case WalletBalanceChanged:
		return "wallet_balance_changed"
	case SupplyChanged:
		return "supply_changed"
	case OrderBookChanged:
		return "order_book_changed"
	case OrderExecuted:
		return "order_executed"
	default:
		return "unknown"
	}
}

// EventKinds lists every DomainEvent kind in declaration order.
var EventKinds = []EventKind{WalletBalanceChanged, SupplyChanged, OrderBookChanged, OrderExecuted}

// DomainEvent is a normalized "something changed" hint derived from raw ledger events.
// MarketID is only set for OrderBookChanged and OrderExecuted.
type DomainEvent struct {
	Kind     EventKind `json:"kind"`
	MarketID string    `json:"market_id,omitempty"`
}

func NewWalletBalanceChanged() DomainEvent { return DomainEvent{Kind: WalletBalanceChanged} }

func NewSupplyChanged() DomainEvent { return DomainEvent{Kind: SupplyChanged} }

func NewOrderBookChanged(marketID string) DomainEvent {
	return DomainEvent{Kind: OrderBookChanged, MarketID: marketID}
}

func NewOrderExecuted(marketID string) DomainEvent {
	return DomainEvent{Kind: OrderExecuted, MarketID: marketID}
}

// Fixed subscription ids, reused across reconnects.
const (
	SubscriptionIDBlock       = 1
	SubscriptionIDTxRecipient = 2
	SubscriptionIDTxSender    = 3
)

// QueryNewBlock is the permanent block subscription query.
const QueryNewBlock = "tm.event='NewBlock'"

// TxRecipientQuery matches transactions that transfer funds to address.
func TxRecipientQuery(address string) string {
	return "tm.event='Tx' AND transfer.recipient='" + address + "'"
}

// TxSenderQuery matches transactions that transfer funds from address.
func TxSenderQuery(address string) string {
	return "tm.event='Tx' AND transfer.sender='" + address + "'"
}

// Subscription is one ledger-side event subscription.
type Subscription struct {
	ID     int    `json:"id"`
	Query  string `json:"query"`
	Active bool   `json:"active"`
}

// ConnectionState is the lifecycle state of the ledger event channel.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Unquote strips one layer of surrounding double quotes, as found on typed event attributes.
func Unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}
