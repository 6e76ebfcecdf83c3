package event

import (
	"errors"
	"testing"

	"ledger_sync/internal/domain"
)

func TestBus_DeliversInRegistrationOrder(t *testing.T) {
	b := NewBus()
	var order []int

	for i := 1; i <= 3; i++ {
		i := i
		b.Subscribe(domain.OrderBookChanged, func(ev domain.DomainEvent) error {
			order = append(order, i)
			return nil
		})
	}

	b.Emit(domain.NewOrderBookChanged("7"))

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("unexpected order: %v", order)
	}
}

func TestBus_IsolatedPerKind(t *testing.T) {
	b := NewBus()
	var balances, supply int

	b.Subscribe(domain.WalletBalanceChanged, func(domain.DomainEvent) error { balances++; return nil })
	b.Subscribe(domain.SupplyChanged, func(domain.DomainEvent) error { supply++; return nil })

	b.Emit(domain.NewWalletBalanceChanged())
	b.Emit(domain.NewWalletBalanceChanged())

	if balances != 2 || supply != 0 {
		t.Errorf("balances=%d supply=%d", balances, supply)
	}

	// no subscribers is fine
	b.Emit(domain.NewOrderExecuted("1"))
}

func TestBus_FailingHandlersDoNotStopDelivery(t *testing.T) {
	var failures []domain.EventKind
	b := NewBus(WithFailureHook(func(k domain.EventKind) { failures = append(failures, k) }))
	var reached bool

	b.Subscribe(domain.OrderExecuted, func(domain.DomainEvent) error { return errors.New("refresh failed") })
	b.Subscribe(domain.OrderExecuted, func(domain.DomainEvent) error { panic("boom") })
	b.Subscribe(domain.OrderExecuted, func(ev domain.DomainEvent) error {
		reached = ev.MarketID == "9"
		return nil
	})

	b.Emit(domain.NewOrderExecuted("9"))

	if !reached {
		t.Error("third handler was not reached")
	}
	if len(failures) != 2 {
		t.Errorf("expected 2 failures, got %d", len(failures))
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()
	var calls int

	unsub := b.Subscribe(domain.SupplyChanged, func(domain.DomainEvent) error { calls++; return nil })
	keep := b.Subscribe(domain.SupplyChanged, func(domain.DomainEvent) error { return nil })
	defer keep()

	b.Emit(domain.NewSupplyChanged())
	unsub()
	unsub() // idempotent
	b.Emit(domain.NewSupplyChanged())

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if n := b.SubscriberCount(domain.SupplyChanged); n != 1 {
		t.Errorf("subscriber count = %d, want 1", n)
	}
}

func TestBus_UnsubscribeDuringEmit(t *testing.T) {
	b := NewBus()
	var second int
	var unsubSecond func()

	b.Subscribe(domain.SupplyChanged, func(domain.DomainEvent) error {
		unsubSecond()
		return nil
	})
	unsubSecond = b.Subscribe(domain.SupplyChanged, func(domain.DomainEvent) error {
		second++
		return nil
	})

	b.Emit(domain.NewSupplyChanged()) // snapshot still includes the second handler
	b.Emit(domain.NewSupplyChanged())

	if second != 1 {
		t.Errorf("second handler calls = %d, want 1", second)
	}
}
