package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"ledger_sync/internal/app"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	pprofAddr := flag.String("pprof", "localhost:6060", "pprof listen address, empty to disable")
	flag.Parse()

	// 1. Pprof Server (for performance profiling)
	if *pprofAddr != "" {
		go func() {
			slog.Info("🕵️ Pprof server started", slog.String("addr", *pprofAddr))
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap(*configPath)
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Wire components
	application, err := app.New(bootstrap)
	if err != nil {
		slog.Error("❌ Wiring failed", slog.Any("error", err))
		os.Exit(1)
	}

	// 5. Run until signalled
	if err := application.Run(ctx); err != nil {
		slog.Error("❌ Application stopped with error", slog.Any("error", err))
		stop()
		bootstrap.Close()
		os.Exit(1)
	}
}
