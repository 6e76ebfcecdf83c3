// Package clocktest provides a hand-driven infra.Clock for deterministic timer tests.
package clocktest

import (
	"sort"
	"sync"
	"time"

	"ledger_sync/internal/infra"
)

// Manual is a Clock whose time only moves on Advance.
// Callbacks run synchronously on the goroutine calling Advance.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*timer
	delays []time.Duration
}

type timer struct {
	clock   *Manual
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

// NewManual returns a clock starting at a fixed instant.
func NewManual() *Manual {
	return &Manual{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) infra.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &timer{clock: m, at: m.now.Add(d), seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	m.delays = append(m.delays, d)
	return t
}

func (t *timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward by d, firing due callbacks in schedule order.
// Callbacks scheduled by a firing callback fire too if they fall due within d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		next := m.nextDueLocked(target)
		if next == nil {
			break
		}
		next.fired = true
		m.now = next.at
		m.mu.Unlock()
		next.f()
		m.mu.Lock()
	}
	m.now = target
	m.compactLocked()
	m.mu.Unlock()
}

func (m *Manual) nextDueLocked(target time.Time) *timer {
	var next *timer
	for _, t := range m.timers {
		if t.fired || t.stopped || t.at.After(target) {
			continue
		}
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

func (m *Manual) compactLocked() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.fired && !t.stopped {
			live = append(live, t)
		}
	}
	m.timers = live
}

// Pending returns the delays, relative to now, of callbacks that have not fired or been stopped.
func (m *Manual) Pending() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Duration
	for _, t := range m.timers {
		if !t.fired && !t.stopped {
			out = append(out, t.at.Sub(m.now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Delays returns every delay ever passed to AfterFunc, in call order.
func (m *Manual) Delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.delays))
	copy(out, m.delays)
	return out
}
