package infra

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"ledger_sync/internal/domain"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is sent on every outbound HTTP request
	DefaultUserAgent = "ledger-sync/1.0 (+https://github.com/ledger-sync)"
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Chain struct {
		RPCURL      string  `yaml:"rpc_url"`
		RESTURL     string  `yaml:"rest_url"`
		NativeDenom string  `yaml:"native_denom"`
		StableDenom string  `yaml:"stable_denom"`
		StablePeg   bool    `yaml:"stable_peg"`
		RateLimit   float64 `yaml:"rate_limit_rps"`
		RateBurst   int     `yaml:"rate_burst"`
	} `yaml:"chain"`

	Wallet struct {
		Address string `yaml:"address"`
	} `yaml:"wallet"`

	Stream struct {
		BaseDelayMS     int `yaml:"base_delay_ms"`
		MaxDelayMS      int `yaml:"max_delay_ms"`
		MaxAttempts     int `yaml:"max_attempts"`
		PingIntervalSec int `yaml:"ping_interval_sec"`
		ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	} `yaml:"stream"`

	Events struct {
		TransferType        string `yaml:"transfer_type"`
		BurnMarker          string `yaml:"burn_marker"`
		CoinbaseMarker      string `yaml:"coinbase_marker"`
		OrderBookNamespace  string `yaml:"order_book_namespace"`
		OrderExecutedMarker string `yaml:"order_executed_marker"`
	} `yaml:"events"`

	Refresh struct {
		BalanceDebounceMS   int `yaml:"balance_debounce_ms"`
		SupplyDebounceMS    int `yaml:"supply_debounce_ms"`
		OrderBookDebounceMS int `yaml:"order_book_debounce_ms"`
		TickerDebounceMS    int `yaml:"ticker_debounce_ms"`
		TickerRepeat        int `yaml:"ticker_repeat"`
		TradeDebounceMS     int `yaml:"trade_debounce_ms"`
		TradeRepeat         int `yaml:"trade_repeat"`
		TradeLimit          int `yaml:"trade_limit"`
		PriceDebounceMS     int `yaml:"price_debounce_ms"`
		PollIntervalSec     int `yaml:"poll_interval_sec"`
		RequestTimeoutSec   int `yaml:"request_timeout_sec"`
	} `yaml:"refresh"`

	Oracle struct {
		URL             string `yaml:"url"`
		CoinID          string `yaml:"coin_id"`
		PollIntervalSec int    `yaml:"poll_interval_sec"`
	} `yaml:"oracle"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	return ParseConfig(data)
}

// ParseConfig decodes raw YAML, applies defaults and environment overrides, then validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	// 보안 우선 - 환경 변수 오버라이드 지원
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "ledger-sync"
	}
	if c.Chain.RateLimit <= 0 {
		c.Chain.RateLimit = 10
	}
	if c.Chain.RateBurst <= 0 {
		c.Chain.RateBurst = 5
	}

	if c.Stream.BaseDelayMS <= 0 {
		c.Stream.BaseDelayMS = int(ReconnectBaseDelay / time.Millisecond)
	}
	if c.Stream.MaxDelayMS <= 0 {
		c.Stream.MaxDelayMS = int(ReconnectMaxDelay / time.Millisecond)
	}
	if c.Stream.MaxAttempts <= 0 {
		c.Stream.MaxAttempts = MaxReconnectAttempts
	}
	if c.Stream.PingIntervalSec <= 0 {
		c.Stream.PingIntervalSec = 30
	}
	if c.Stream.ReadTimeoutSec <= 0 {
		c.Stream.ReadTimeoutSec = 90
	}

	if c.Events.TransferType == "" {
		c.Events.TransferType = "transfer"
	}
	if c.Events.BurnMarker == "" {
		c.Events.BurnMarker = "burn"
	}
	if c.Events.CoinbaseMarker == "" {
		c.Events.CoinbaseMarker = "coinbase"
	}
	if c.Events.OrderBookNamespace == "" {
		c.Events.OrderBookNamespace = "dex."
	}
	if c.Events.OrderExecutedMarker == "" {
		c.Events.OrderExecutedMarker = "order_executed"
	}

	if c.Refresh.BalanceDebounceMS <= 0 {
		c.Refresh.BalanceDebounceMS = 1000
	}
	if c.Refresh.SupplyDebounceMS <= 0 {
		c.Refresh.SupplyDebounceMS = 2000
	}
	if c.Refresh.OrderBookDebounceMS <= 0 {
		c.Refresh.OrderBookDebounceMS = 500
	}
	if c.Refresh.TickerDebounceMS <= 0 {
		c.Refresh.TickerDebounceMS = 1500
	}
	if c.Refresh.TickerRepeat < 0 {
		c.Refresh.TickerRepeat = 0
	}
	if c.Refresh.TradeDebounceMS <= 0 {
		c.Refresh.TradeDebounceMS = 1000
	}
	if c.Refresh.TradeLimit <= 0 {
		c.Refresh.TradeLimit = 50
	}
	if c.Refresh.PriceDebounceMS <= 0 {
		c.Refresh.PriceDebounceMS = 300
	}
	if c.Refresh.PollIntervalSec <= 0 {
		c.Refresh.PollIntervalSec = 15
	}
	if c.Refresh.RequestTimeoutSec <= 0 {
		c.Refresh.RequestTimeoutSec = 10
	}

	if c.Oracle.CoinID == "" {
		c.Oracle.CoinID = "cosmos"
	}
	if c.Oracle.PollIntervalSec <= 0 {
		c.Oracle.PollIntervalSec = 60
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	rpc := c.Chain.RPCURL
	if rpc == "" || !(hasPrefix(rpc, "http://") || hasPrefix(rpc, "https://") || hasPrefix(rpc, "ws://") || hasPrefix(rpc, "wss://")) {
		return invalidField("chain.rpc_url", rpc)
	}
	rest := c.Chain.RESTURL
	if rest == "" || !(hasPrefix(rest, "http://") || hasPrefix(rest, "https://")) {
		return invalidField("chain.rest_url", rest)
	}
	if c.Chain.NativeDenom == "" {
		return invalidField("chain.native_denom", "")
	}
	if c.Chain.StableDenom == "" {
		return invalidField("chain.stable_denom", "")
	}
	if c.Chain.NativeDenom == c.Chain.StableDenom {
		return invalidField("chain.stable_denom", c.Chain.StableDenom)
	}
	if c.Stream.MaxDelayMS < c.Stream.BaseDelayMS {
		return invalidField("stream.max_delay_ms", fmt.Sprint(c.Stream.MaxDelayMS))
	}
	if c.Refresh.TickerRepeat > 10 || c.Refresh.TradeRepeat > 10 || c.Refresh.TradeRepeat < 0 {
		return invalidField("refresh.*_repeat", "")
	}

	return nil
}

func invalidField(field, value string) error {
	if value == "" {
		return &domain.ConfigError{Field: field, Err: errors.New("value is required")}
	}
	return &domain.ConfigError{Field: field, Err: fmt.Errorf("invalid value %q", value)}
}

// ApplySettings overrides endpoint and wallet values with user settings persisted in the store.
// Unknown keys are ignored. The result is re-validated.
func (c *Config) ApplySettings(settings map[string]string) error {
	if v := settings[domain.SettingRPCURL]; v != "" {
		c.Chain.RPCURL = v
	}
	if v := settings[domain.SettingRESTURL]; v != "" {
		c.Chain.RESTURL = v
	}
	if v, ok := settings[domain.SettingWalletAddress]; ok {
		c.Wallet.Address = v
	}
	return c.Validate()
}

func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.Stream.BaseDelayMS) * time.Millisecond
}

func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.Stream.MaxDelayMS) * time.Millisecond
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.Stream.PingIntervalSec) * time.Second
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Stream.ReadTimeoutSec) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Refresh.PollIntervalSec) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Refresh.RequestTimeoutSec) * time.Second
}

// Millis converts a millisecond config value.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("LEDGER_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("LEDGER_REST_URL"); v != "" {
		cfg.Chain.RESTURL = v
	}
	if v := os.Getenv("LEDGER_WALLET_ADDRESS"); v != "" {
		cfg.Wallet.Address = v
	}
	if v := os.Getenv("LEDGER_ORACLE_URL"); v != "" {
		cfg.Oracle.URL = v
	}
	if v := os.Getenv("LEDGER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
