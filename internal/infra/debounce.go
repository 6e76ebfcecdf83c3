package infra

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Debouncer coalesces bursts of signals per key into trailing callbacks.
type Debouncer struct {
	clock  Clock
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*debounceEntry
	repeats map[*repeatRun]struct{}
	stopped bool
}

type debounceEntry struct {
	timer Timer
}

// repeatRun is a started repeat sequence. It is not cancelled by new signals.
type repeatRun struct {
	key       string
	remaining int
	timer     Timer
}

// NewDebouncer creates a debouncer on the given clock. A nil clock uses SystemClock.
func NewDebouncer(clock Clock, logger *slog.Logger) *Debouncer {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Debouncer{
		clock:   clock,
		logger:  logger.With(slog.String("module", "debounce")),
		pending: make(map[string]*debounceEntry),
		repeats: make(map[*repeatRun]struct{}),
	}
}

// Debounce runs fn once, delay after the last call for key.
// Each call cancels the pending timer for the same key.
func (d *Debouncer) Debounce(key string, delay time.Duration, fn func() error) {
	d.DebounceRepeat(key, delay, fn, 0)
}

// DebounceRepeat is Debounce followed by extraTimes more runs of fn, each delay after the previous.
// New signals only restart the initial window; a repeat sequence that has started runs to completion.
func (d *Debouncer) DebounceRepeat(key string, delay time.Duration, fn func() error, extraTimes int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if prev, ok := d.pending[key]; ok {
		prev.timer.Stop()
	}

	e := &debounceEntry{}
	e.timer = d.clock.AfterFunc(delay, func() {
		d.fire(key, e, delay, fn, extraTimes)
	})
	d.pending[key] = e
}

func (d *Debouncer) fire(key string, e *debounceEntry, delay time.Duration, fn func() error, extraTimes int) {
	d.mu.Lock()
	if d.stopped || d.pending[key] != e {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)

	var run *repeatRun
	if extraTimes > 0 {
		run = &repeatRun{key: key, remaining: extraTimes}
		d.repeats[run] = struct{}{}
	}
	d.mu.Unlock()

	d.invoke(key, fn)

	if run != nil {
		d.scheduleRepeat(run, delay, fn)
	}
}

func (d *Debouncer) scheduleRepeat(run *repeatRun, delay time.Duration, fn func() error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || run.remaining <= 0 {
		delete(d.repeats, run)
		return
	}

	run.timer = d.clock.AfterFunc(delay, func() {
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return
		}
		run.remaining--
		d.mu.Unlock()

		d.invoke(run.key, fn)
		d.scheduleRepeat(run, delay, fn)
	})
}

func (d *Debouncer) invoke(key string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Debounced callback panic recovered",
				slog.String("key", key),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	if err := fn(); err != nil {
		d.logger.Warn("Debounced callback failed",
			slog.String("key", key),
			slog.Any("error", err),
		)
	}
}

// Pending reports whether an initial window is open for key.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Stop cancels every pending window and repeat sequence. Later calls are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for key, e := range d.pending {
		e.timer.Stop()
		delete(d.pending, key)
	}
	for run := range d.repeats {
		if run.timer != nil {
			run.timer.Stop()
		}
		delete(d.repeats, run)
	}
}
