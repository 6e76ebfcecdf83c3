package infra

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_CreatesLogDir(t *testing.T) {
	cfg := &Config{}
	cfg.App.Name = "ledger-test"
	cfg.Logging.Dir = filepath.Join(t.TempDir(), "logs")
	cfg.Logging.Level = "debug"

	logger := NewLogger(cfg)
	if logger == nil {
		t.Fatal("expected logger")
	}
	if _, err := os.Stat(cfg.Logging.Dir); err != nil {
		t.Errorf("log dir not created: %v", err)
	}
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug level enabled")
	}
}
