package ledger

import (
	"errors"

	"ledger_sync/internal/domain"
)

// SendFunc writes one subscribe or unsubscribe frame to the open channel.
type SendFunc func(method string, id int, query string) error

// frameQueue collects frames while the manager lock is held so they can be written after it is released.
type frameQueue []queuedFrame

type queuedFrame struct {
	method string
	id     int
	query  string
}

func (q *frameQueue) push(method string, id int, query string) error {
	*q = append(*q, queuedFrame{method: method, id: id, query: query})
	return nil
}

// flush writes the queued frames in order, stopping at the first failure.
func (q frameQueue) flush(send SendFunc) error {
	for _, f := range q {
		if err := send(f.method, f.id, f.query); err != nil {
			return err
		}
	}
	return nil
}

type txSubState int

const (
	txNone txSubState = iota
	txSubscribed
)

// txSubscription is the state of the recipient/sender pair.
type txSubscription struct {
	state   txSubState
	address string
}

// Tracker keeps subscriptions in step with the current wallet address.
// It is not safe for concurrent use; the Manager serializes access.
type Tracker struct {
	address     string
	blockActive bool
	tx          txSubscription
}

// NewTracker returns a tracker watching address. An empty address means no wallet.
func NewTracker(address string) *Tracker {
	return &Tracker{address: address}
}

// Address returns the current wallet address.
func (t *Tracker) Address() string {
	return t.address
}

// OnOpen sends the block subscription, then the tx pair if an address is known.
func (t *Tracker) OnOpen(send SendFunc) error {
	if err := send(methodSubscribe, domain.SubscriptionIDBlock, domain.QueryNewBlock); err != nil {
		return err
	}
	t.blockActive = true

	if t.address == "" {
		return nil
	}
	return t.subscribePair(t.address, send)
}

// OnDisconnect forgets every live subscription.
func (t *Tracker) OnDisconnect() {
	t.blockActive = false
	t.tx = txSubscription{}
}

// ChangeAddress moves the tx pair from the previous address to current.
// Frames are only sent while connected; otherwise the address is recorded for the next OnOpen.
func (t *Tracker) ChangeAddress(current string, connected bool, send SendFunc) error {
	if current == t.address {
		return nil
	}
	previous := t.address
	t.address = current

	if !connected {
		return nil
	}

	var errs []error
	if previous != "" {
		errs = append(errs,
			send(methodUnsubscribe, domain.SubscriptionIDTxRecipient, domain.TxRecipientQuery(previous)),
			send(methodUnsubscribe, domain.SubscriptionIDTxSender, domain.TxSenderQuery(previous)),
		)
		t.tx = txSubscription{}
	}
	if current != "" {
		errs = append(errs, t.subscribePair(current, send))
	}
	return errors.Join(errs...)
}

func (t *Tracker) subscribePair(address string, send SendFunc) error {
	if t.tx.state == txSubscribed && t.tx.address == address {
		return nil
	}
	if err := send(methodSubscribe, domain.SubscriptionIDTxRecipient, domain.TxRecipientQuery(address)); err != nil {
		return err
	}
	if err := send(methodSubscribe, domain.SubscriptionIDTxSender, domain.TxSenderQuery(address)); err != nil {
		return err
	}
	t.tx = txSubscription{state: txSubscribed, address: address}
	return nil
}

// Subscriptions lists the subscriptions the tracker considers live.
func (t *Tracker) Subscriptions() []domain.Subscription {
	out := []domain.Subscription{{
		ID:     domain.SubscriptionIDBlock,
		Query:  domain.QueryNewBlock,
		Active: t.blockActive,
	}}
	if t.address != "" {
		active := t.tx.state == txSubscribed && t.tx.address == t.address
		out = append(out,
			domain.Subscription{ID: domain.SubscriptionIDTxRecipient, Query: domain.TxRecipientQuery(t.address), Active: active},
			domain.Subscription{ID: domain.SubscriptionIDTxSender, Query: domain.TxSenderQuery(t.address), Active: active},
		)
	}
	return out
}
