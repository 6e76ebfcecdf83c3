package app

import (
	"context"
	"fmt"
	"log/slog"

	"ledger_sync/internal/api"
	"ledger_sync/internal/engine"
	"ledger_sync/internal/event"
	"ledger_sync/internal/infra"
	"ledger_sync/internal/infra/chainapi"
	"ledger_sync/internal/infra/ledger"
	"ledger_sync/internal/service"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// App holds every long-lived component of a running client.
type App struct {
	boot *Bootstrap

	Chain  *chainapi.Client
	Oracle *infra.PriceOracleClient
	View   *service.ChainView
	Prices *service.PriceService
	Bus    *event.Bus
	Stream *ledger.Manager
	Syncer *Syncer
	Poller *Poller
	API    *api.Server
}

// New wires the components from an initialized Bootstrap.
func New(b *Bootstrap) (*App, error) {
	cfg := b.Config
	logger := b.Logger
	metrics := b.Metrics

	a := &App{boot: b}

	a.Chain = chainapi.NewClient(cfg.Chain.RESTURL,
		chainapi.WithTimeout(cfg.RequestTimeout()),
		chainapi.WithRateLimit(cfg.Chain.RateLimit, cfg.Chain.RateBurst),
		chainapi.WithLogger(logger),
	)

	// the oracle notifies before the syncer exists, so go through a.Syncer lazily
	a.Oracle = infra.NewPriceOracleClientWithConfig(cfg.Oracle.CoinID, func(decimal.Decimal) {
		if a.Syncer != nil {
			a.Syncer.SchedulePrices()
		}
	}, cfg.Oracle.URL, cfg.Oracle.PollIntervalSec)

	resolverOpts := []service.ResolverOption{service.WithResolverLogger(logger)}
	if cfg.Chain.StablePeg {
		resolverOpts = append(resolverOpts, service.WithStablePeg())
	}
	resolver := service.NewResolver(cfg.Chain.NativeDenom, cfg.Chain.StableDenom, a.Chain, a.Oracle, resolverOpts...)

	a.View = service.NewChainView(cfg.Chain.NativeDenom, cfg.Chain.StableDenom)
	a.Prices = service.NewPriceService(resolver, nil)

	a.Bus = event.NewBus(
		event.WithLogger(logger),
		event.WithFailureHook(metrics.RecordHandlerFailure),
	)

	classifier := engine.NewClassifier(engine.Rules{
		NativeDenom:         cfg.Chain.NativeDenom,
		TransferType:        cfg.Events.TransferType,
		BurnMarker:          cfg.Events.BurnMarker,
		CoinbaseMarker:      cfg.Events.CoinbaseMarker,
		OrderBookNamespace:  cfg.Events.OrderBookNamespace,
		OrderExecutedMarker: cfg.Events.OrderExecutedMarker,
	}, logger)

	stream, err := ledger.NewManager(ledger.Config{
		Endpoint:     cfg.Chain.RPCURL,
		BaseDelay:    cfg.ReconnectBaseDelay(),
		MaxDelay:     cfg.ReconnectMaxDelay(),
		MaxAttempts:  cfg.Stream.MaxAttempts,
		PingInterval: cfg.PingInterval(),
		ReadTimeout:  cfg.ReadTimeout(),
	}, classifier, a.Bus,
		ledger.WithAddress(cfg.Wallet.Address),
		ledger.WithMetrics(metrics),
		ledger.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create ledger stream: %w", err)
	}
	a.Stream = stream

	a.Syncer = NewSyncer(SyncConfigFrom(cfg), a.Chain, a.View, a.Prices,
		infra.NewDebouncer(infra.SystemClock, logger),
		WithStore(b.Storage),
		WithAddressSink(stream),
		WithSyncMetrics(metrics),
		WithSyncLogger(logger),
		WithInitialAddress(cfg.Wallet.Address),
	)

	a.Poller = NewPoller(stream, a.Syncer.RefreshAll, cfg.PollInterval(), logger)

	a.API = api.NewServer(stream, a.Prices, a.View, a.Syncer,
		api.WithMetricsHandler(promhttp.HandlerFor(b.Registry, promhttp.HandlerOpts{})),
		api.WithLogger(logger),
	)

	return a, nil
}

// Run starts every component and blocks until ctx is cancelled, then shuts down in reverse order.
func (a *App) Run(ctx context.Context) error {
	cfg := a.boot.Config

	a.boot.SyncAssets(ctx, a.View)

	if err := a.Oracle.Start(ctx); err != nil {
		slog.Error("Failed to start oracle client", slog.Any("error", err))
	}
	defer a.Oracle.Stop()

	a.Syncer.Attach(ctx, a.Bus)
	defer a.Syncer.Stop()

	if err := a.Stream.Start(ctx); err != nil {
		return fmt.Errorf("start ledger stream: %w", err)
	}
	defer a.Stream.Close()
	slog.InfoContext(ctx, "✅ Ledger stream started", slog.String("rpc", cfg.Chain.RPCURL))

	if err := a.Syncer.RefreshAll(ctx); err != nil {
		slog.Warn("Initial refresh incomplete", slog.Any("error", err))
	}

	go a.Poller.Run(ctx)

	apiErr := make(chan error, 1)
	go func() {
		apiErr <- a.API.ListenAndServe(ctx, cfg.Server.Addr)
	}()

	slog.InfoContext(ctx, "✨ Ledger Sync fully operational. Press Ctrl+C to exit.",
		slog.String("wallet", a.Syncer.Address()),
		slog.String("native", cfg.Chain.NativeDenom),
	)

	select {
	case <-ctx.Done():
	case err := <-apiErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	slog.Info("👋 Shutting down gracefully...",
		slog.String("stream_state", a.Stream.State().String()),
	)
	return nil
}
