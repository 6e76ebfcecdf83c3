package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ledger_sync/internal/domain"
	"ledger_sync/internal/event"
	"ledger_sync/internal/infra"
	"ledger_sync/internal/service"

	"golang.org/x/sync/errgroup"
)

// Debounce keys
const (
	keyBalances        = "balances"
	keySupply          = "supply"
	keyTickers         = "tickers"
	keyPrices          = "prices"
	keyOrderBookPrefix = "orderbook:"
	keyTradesPrefix    = "trades:"
)

// refresh kinds reported to metrics
const (
	kindBalances  = "balances"
	kindSupply    = "supply"
	kindTickers   = "tickers"
	kindOrderBook = "orderbook"
	kindTrades    = "trades"
	kindPrices    = "prices"
)

const refreshConcurrency = 4

// AddressSink receives the watched wallet address. Implemented by the ledger stream manager.
type AddressSink interface {
	SetAddress(address string)
}

// AssetStore persists the known-asset registry and user settings.
type AssetStore interface {
	domain.SettingsStore
	RecordAssets(denoms []string, nativeDenom string) (int, error)
}

// SyncConfig holds the debounce windows and request limits of the Syncer.
type SyncConfig struct {
	NativeDenom    string
	BalanceDelay   time.Duration
	SupplyDelay    time.Duration
	OrderBookDelay time.Duration
	TickerDelay    time.Duration
	TickerRepeat   int
	TradeDelay     time.Duration
	TradeRepeat    int
	TradeLimit     int
	PriceDelay     time.Duration
	RequestTimeout time.Duration
}

// SyncConfigFrom reads the refresh section of cfg.
func SyncConfigFrom(cfg *infra.Config) SyncConfig {
	return SyncConfig{
		NativeDenom:    cfg.Chain.NativeDenom,
		BalanceDelay:   infra.Millis(cfg.Refresh.BalanceDebounceMS),
		SupplyDelay:    infra.Millis(cfg.Refresh.SupplyDebounceMS),
		OrderBookDelay: infra.Millis(cfg.Refresh.OrderBookDebounceMS),
		TickerDelay:    infra.Millis(cfg.Refresh.TickerDebounceMS),
		TickerRepeat:   cfg.Refresh.TickerRepeat,
		TradeDelay:     infra.Millis(cfg.Refresh.TradeDebounceMS),
		TradeRepeat:    cfg.Refresh.TradeRepeat,
		TradeLimit:     cfg.Refresh.TradeLimit,
		PriceDelay:     infra.Millis(cfg.Refresh.PriceDebounceMS),
		RequestTimeout: cfg.RequestTimeout(),
	}
}

// Syncer turns domain events into debounced REST refreshes of the chain view.
type Syncer struct {
	cfg       SyncConfig
	api       domain.ChainAPI
	view      *service.ChainView
	prices    *service.PriceService
	debouncer *infra.Debouncer
	store     AssetStore
	stream    AddressSink
	metrics   *infra.Metrics
	logger    *slog.Logger

	// addrMu serializes SetAddress so the store, stream and view agree on the last address.
	addrMu sync.Mutex

	mu      sync.RWMutex
	ctx     context.Context
	address string
	unsubs  []func()
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithStore persists assets and the wallet address.
func WithStore(store AssetStore) SyncerOption {
	return func(s *Syncer) { s.store = store }
}

// WithAddressSink forwards wallet changes to the ledger stream.
func WithAddressSink(sink AddressSink) SyncerOption {
	return func(s *Syncer) { s.stream = sink }
}

// WithSyncMetrics attaches prometheus collectors.
func WithSyncMetrics(m *infra.Metrics) SyncerOption {
	return func(s *Syncer) { s.metrics = m }
}

// WithSyncLogger sets the syncer logger.
func WithSyncLogger(l *slog.Logger) SyncerOption {
	return func(s *Syncer) { s.logger = l.With(slog.String("module", "syncer")) }
}

// WithInitialAddress sets the watched wallet without persisting it.
func WithInitialAddress(address string) SyncerOption {
	return func(s *Syncer) { s.address = address }
}

// NewSyncer creates a syncer. Nothing is scheduled until Attach.
func NewSyncer(cfg SyncConfig, api domain.ChainAPI, view *service.ChainView, prices *service.PriceService, debouncer *infra.Debouncer, opts ...SyncerOption) *Syncer {
	if cfg.TradeLimit <= 0 {
		cfg.TradeLimit = 50
	}
	s := &Syncer{
		cfg:       cfg,
		api:       api,
		view:      view,
		prices:    prices,
		debouncer: debouncer,
		logger:    slog.Default().With(slog.String("module", "syncer")),
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach subscribes the syncer to bus. Debounced refreshes run under ctx.
func (s *Syncer) Attach(ctx context.Context, bus *event.Bus) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	unsubs := []func(){
		bus.Subscribe(domain.WalletBalanceChanged, func(domain.DomainEvent) error {
			s.ScheduleBalances()
			return nil
		}),
		bus.Subscribe(domain.SupplyChanged, func(domain.DomainEvent) error {
			s.ScheduleSupply()
			return nil
		}),
		bus.Subscribe(domain.OrderBookChanged, func(ev domain.DomainEvent) error {
			s.ScheduleOrderBook(ev.MarketID)
			s.ScheduleTickers()
			return nil
		}),
		bus.Subscribe(domain.OrderExecuted, func(ev domain.DomainEvent) error {
			s.ScheduleTrades(ev.MarketID)
			return nil
		}),
	}

	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubs...)
	s.mu.Unlock()
}

// Stop unsubscribes from the bus and cancels every pending refresh.
func (s *Syncer) Stop() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	s.debouncer.Stop()
}

func (s *Syncer) baseContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

func (s *Syncer) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}

// ScheduleBalances queues a debounced balance refresh.
func (s *Syncer) ScheduleBalances() {
	s.debouncer.Debounce(keyBalances, s.cfg.BalanceDelay, func() error {
		changed, err := s.refreshBalances(s.baseContext())
		if changed {
			s.SchedulePrices()
		}
		return err
	})
}

// ScheduleSupply queues a debounced supply refresh.
func (s *Syncer) ScheduleSupply() {
	s.debouncer.Debounce(keySupply, s.cfg.SupplyDelay, func() error {
		changed, err := s.refreshSupply(s.baseContext())
		if changed {
			s.SchedulePrices()
		}
		return err
	})
}

// ScheduleTickers queues a debounced ticker refresh followed by TickerRepeat more.
func (s *Syncer) ScheduleTickers() {
	s.debouncer.DebounceRepeat(keyTickers, s.cfg.TickerDelay, func() error {
		changed, err := s.refreshTickers(s.baseContext())
		if changed {
			s.SchedulePrices()
		}
		return err
	}, s.cfg.TickerRepeat)
}

// ScheduleOrderBook queues a debounced refresh of one market's book.
func (s *Syncer) ScheduleOrderBook(marketID string) {
	if marketID == "" {
		return
	}
	s.debouncer.Debounce(keyOrderBookPrefix+marketID, s.cfg.OrderBookDelay, func() error {
		_, err := s.refreshOrderBook(s.baseContext(), marketID)
		return err
	})
}

// ScheduleTrades queues a debounced refresh of one market's recent trades followed by TradeRepeat more.
func (s *Syncer) ScheduleTrades(marketID string) {
	if marketID == "" {
		return
	}
	s.debouncer.DebounceRepeat(keyTradesPrefix+marketID, s.cfg.TradeDelay, func() error {
		_, err := s.refreshTrades(s.baseContext(), marketID)
		return err
	}, s.cfg.TradeRepeat)
}

// SchedulePrices queues a debounced price table recompute.
func (s *Syncer) SchedulePrices() {
	s.debouncer.Debounce(keyPrices, s.cfg.PriceDelay, func() error {
		s.RecomputePrices(s.baseContext())
		return nil
	})
}

// RefreshAll reloads balances, supply, tickers and every loaded order book in parallel,
// then recomputes the price table once. Individual failures keep the previous snapshot.
func (s *Syncer) RefreshAll(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(refreshConcurrency)

	var errMu sync.Mutex
	var errs []error
	run := func(fn func() (bool, error)) {
		g.Go(func() error {
			if _, err := fn(); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}

	run(func() (bool, error) { return s.refreshBalances(ctx) })
	run(func() (bool, error) { return s.refreshSupply(ctx) })
	run(func() (bool, error) { return s.refreshTickers(ctx) })
	for _, m := range s.view.Markets() {
		m := m
		run(func() (bool, error) { return s.refreshOrderBook(ctx, m) })
	}
	_ = g.Wait()

	s.RecomputePrices(ctx)
	return errors.Join(errs...)
}

// RecomputePrices rebuilds the price table from the current view.
func (s *Syncer) RecomputePrices(ctx context.Context) {
	table, ok := s.prices.Recompute(ctx, s.view.Assets(), s.view.Tickers().Load())
	if !ok {
		s.metrics.RecordStale(kindPrices)
		return
	}
	s.metrics.RecordPriceRecompute(s.prices.Priced())
	s.logger.Debug("Price table updated",
		slog.Int("assets", len(table.Prices)),
		slog.String("anchor", table.Anchor.String()),
	)
}

func (s *Syncer) refreshBalances(ctx context.Context) (bool, error) {
	// Begin before reading the address: SetAddress resets the slot after storing the address.
	slot := s.view.Balances()
	gen := slot.Begin()
	address := s.Address()
	if address == "" {
		return false, nil
	}
	started := time.Now()

	rctx, cancel := s.requestContext(ctx)
	coins, err := s.api.Balances(rctx, address)
	cancel()
	s.metrics.RecordRefresh(kindBalances, started, err)
	if err != nil {
		return false, fmt.Errorf("refresh balances: %w", err)
	}

	if !slot.Apply(gen, domain.NewBalances(address, coins)) {
		s.metrics.RecordStale(kindBalances)
		return false, nil
	}
	s.recordAssets(coinDenoms(coins))
	return true, nil
}

func (s *Syncer) refreshSupply(ctx context.Context) (bool, error) {
	slot := s.view.Supply()
	gen := slot.Begin()
	started := time.Now()

	rctx, cancel := s.requestContext(ctx)
	coins, err := s.api.Supply(rctx)
	cancel()
	s.metrics.RecordRefresh(kindSupply, started, err)
	if err != nil {
		return false, fmt.Errorf("refresh supply: %w", err)
	}

	if !slot.Apply(gen, coins) {
		s.metrics.RecordStale(kindSupply)
		return false, nil
	}
	s.recordAssets(coinDenoms(coins))
	return true, nil
}

func (s *Syncer) refreshTickers(ctx context.Context) (bool, error) {
	slot := s.view.Tickers()
	gen := slot.Begin()
	started := time.Now()

	rctx, cancel := s.requestContext(ctx)
	tickers, err := s.api.Tickers(rctx)
	cancel()
	s.metrics.RecordRefresh(kindTickers, started, err)
	if err != nil {
		return false, fmt.Errorf("refresh tickers: %w", err)
	}

	set := domain.NewTickerSet(tickers)
	if !slot.Apply(gen, set) {
		s.metrics.RecordStale(kindTickers)
		return false, nil
	}
	s.recordAssets(set.Denoms())
	return true, nil
}

func (s *Syncer) refreshOrderBook(ctx context.Context, marketID string) (bool, error) {
	slot := s.view.OrderBook(marketID)
	gen := slot.Begin()
	started := time.Now()

	rctx, cancel := s.requestContext(ctx)
	ob, err := s.api.OrderBook(rctx, marketID)
	cancel()
	s.metrics.RecordRefresh(kindOrderBook, started, err)
	if err != nil {
		return false, fmt.Errorf("refresh order book %s: %w", marketID, err)
	}

	if !slot.Apply(gen, ob) {
		s.metrics.RecordStale(kindOrderBook)
		return false, nil
	}
	return true, nil
}

func (s *Syncer) refreshTrades(ctx context.Context, marketID string) (bool, error) {
	slot := s.view.Trades(marketID)
	gen := slot.Begin()
	started := time.Now()

	rctx, cancel := s.requestContext(ctx)
	trades, err := s.api.Trades(rctx, marketID, s.cfg.TradeLimit)
	cancel()
	s.metrics.RecordRefresh(kindTrades, started, err)
	if err != nil {
		return false, fmt.Errorf("refresh trades %s: %w", marketID, err)
	}

	if !slot.Apply(gen, trades) {
		s.metrics.RecordStale(kindTrades)
		return false, nil
	}
	return true, nil
}

func (s *Syncer) recordAssets(denoms []string) {
	if s.store == nil || len(denoms) == 0 {
		return
	}
	n, err := s.store.RecordAssets(denoms, s.cfg.NativeDenom)
	if err != nil {
		s.logger.Warn("Failed to record assets", slog.Any("error", err))
		return
	}
	if n > 0 {
		s.logger.Info("New assets discovered", slog.Int("count", n))
	}
}

// Address returns the watched wallet address.
func (s *Syncer) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// SetAddress switches the watched wallet: the address is persisted, forwarded to the ledger stream,
// the balance view is cleared and a balance refresh is scheduled. An empty address stops watching.
func (s *Syncer) SetAddress(address string) error {
	address = strings.TrimSpace(address)
	if strings.ContainsAny(address, " \t\r\n'\"") {
		return fmt.Errorf("%w: %q", domain.ErrInvalidAddress, address)
	}

	s.addrMu.Lock()
	defer s.addrMu.Unlock()

	if address == s.Address() {
		return nil
	}

	if s.store != nil {
		if err := s.store.SaveConfig(domain.SettingWalletAddress, address); err != nil {
			return fmt.Errorf("persist wallet address: %w", err)
		}
	}

	s.mu.Lock()
	s.address = address
	s.mu.Unlock()

	if s.stream != nil {
		s.stream.SetAddress(address)
	}
	s.view.Balances().Reset(domain.Balances{Address: address})

	s.logger.Info("Wallet address changed", slog.String("address", address))
	if address != "" {
		s.ScheduleBalances()
	}
	s.SchedulePrices()
	return nil
}

func coinDenoms(coins []domain.Coin) []string {
	out := make([]string, 0, len(coins))
	for _, c := range coins {
		out = append(out, c.Denom)
	}
	return out
}
