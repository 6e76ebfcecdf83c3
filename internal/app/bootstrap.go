package app

import (
	"context"
	"fmt"
	"log/slog"

	"ledger_sync/internal/infra"
	"ledger_sync/internal/infra/storage"
	"ledger_sync/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string

	Config   *infra.Config
	Logger   *slog.Logger
	Storage  *storage.Storage
	Registry *prometheus.Registry
	Metrics  *infra.Metrics
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize performs core system initialization (config, logger, DB, metrics)
func (b *Bootstrap) Initialize() error {
	slog.Info("🚀 Bootstrapping Ledger Sync...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	b.Storage = store
	slog.Info("✅ Database initialized")

	// 4. User settings override the file
	settings, err := store.LoadConfigMap()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if err := cfg.ApplySettings(settings); err != nil {
		return fmt.Errorf("apply settings: %w", err)
	}

	// 5. Metrics
	b.Registry = prometheus.NewRegistry()
	b.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	b.Metrics = infra.NewMetrics(b.Registry)
	slog.Info("✅ Metrics registry ready")

	return nil
}

// SyncAssets seeds the view with the persisted asset registry
// so prices cover every denom seen in earlier runs before the first refresh lands.
func (b *Bootstrap) SyncAssets(ctx context.Context, view *service.ChainView) {
	if err := ctx.Err(); err != nil {
		return
	}
	denoms, err := b.Storage.AssetDenoms()
	if err != nil {
		slog.Warn("Failed to load asset registry", slog.Any("error", err))
		return
	}
	view.SeedAssets(denoms)
	slog.Info("✨ Asset registry loaded", slog.Int("assets", len(denoms)))
}

// Close releases bootstrap resources.
func (b *Bootstrap) Close() error {
	if b.Storage == nil {
		return nil
	}
	return b.Storage.Close()
}
