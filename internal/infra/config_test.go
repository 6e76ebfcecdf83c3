package infra

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ledger_sync/internal/domain"
)

const minimalConfig = `
chain:
  rpc_url: "http://localhost:26657"
  rest_url: "http://localhost:1317"
  native_denom: "uatom"
  stable_denom: "uusdc"
`

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}

	if cfg.ReconnectBaseDelay() != time.Second {
		t.Errorf("base delay = %s, want 1s", cfg.ReconnectBaseDelay())
	}
	if cfg.ReconnectMaxDelay() != 30*time.Second {
		t.Errorf("max delay = %s, want 30s", cfg.ReconnectMaxDelay())
	}
	if cfg.Stream.MaxAttempts != 10 {
		t.Errorf("max attempts = %d, want 10", cfg.Stream.MaxAttempts)
	}
	if cfg.Events.TransferType != "transfer" || cfg.Events.OrderBookNamespace != "dex." {
		t.Errorf("unexpected event markers: %+v", cfg.Events)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Logging.Level)
	}
}

func TestParseConfig_EnvOverride(t *testing.T) {
	t.Setenv("LEDGER_RPC_URL", "wss://rpc.example.com")
	t.Setenv("LEDGER_WALLET_ADDRESS", "cosmos1env")
	t.Setenv("LEDGER_LOG_LEVEL", "debug")

	cfg, err := ParseConfig([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}

	if cfg.Chain.RPCURL != "wss://rpc.example.com" {
		t.Errorf("rpc url = %q", cfg.Chain.RPCURL)
	}
	if cfg.Wallet.Address != "cosmos1env" {
		t.Errorf("wallet = %q", cfg.Wallet.Address)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing rpc", `
chain:
  rest_url: "http://localhost:1317"
  native_denom: "uatom"
  stable_denom: "uusdc"
`},
		{"bad rest scheme", `
chain:
  rpc_url: "http://localhost:26657"
  rest_url: "ftp://localhost"
  native_denom: "uatom"
  stable_denom: "uusdc"
`},
		{"native equals stable", `
chain:
  rpc_url: "http://localhost:26657"
  rest_url: "http://localhost:1317"
  native_denom: "uatom"
  stable_denom: "uatom"
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			var cfgErr *domain.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Errorf("expected ConfigError, got %T: %v", err, err)
			}
			if domain.IsRetriable(err) {
				t.Error("config errors must not be retriable")
			}
		})
	}
}

func TestLoadConfig_NotFound(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, domain.ErrConfigNotFound) {
		t.Errorf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(minimalConfig), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Chain.NativeDenom != "uatom" {
		t.Errorf("native denom = %q", cfg.Chain.NativeDenom)
	}
}

func TestConfig_ApplySettings(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalConfig))
	if err != nil {
		t.Fatal(err)
	}

	err = cfg.ApplySettings(map[string]string{
		domain.SettingRESTURL:       "https://rest.example.com",
		domain.SettingWalletAddress: "cosmos1stored",
		"theme":                     "dark",
	})
	if err != nil {
		t.Fatalf("ApplySettings failed: %v", err)
	}
	if cfg.Chain.RESTURL != "https://rest.example.com" {
		t.Errorf("rest url = %q", cfg.Chain.RESTURL)
	}
	if cfg.Wallet.Address != "cosmos1stored" {
		t.Errorf("wallet = %q", cfg.Wallet.Address)
	}

	if err := cfg.ApplySettings(map[string]string{domain.SettingRPCURL: "not-a-url"}); err == nil {
		t.Error("expected validation error for stored rpc url")
	}
}
