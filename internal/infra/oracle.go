package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"ledger_sync/internal/domain"

	"github.com/shopspring/decimal"
)

// simplePriceResponse is the CoinGecko simple/price payload: {"<coin id>": {"usd": 9.87}}
type simplePriceResponse map[string]map[string]decimal.Decimal

// PriceOracleClient polls an external USD quote for the chain's native coin.
type PriceOracleClient struct {
	onUpdate     func(decimal.Decimal)
	rate         decimal.Decimal
	fetchedAt    time.Time
	mu           sync.RWMutex
	pollInterval time.Duration
	maxAge       time.Duration
	retryDelay   time.Duration
	apiURL       string
	coinID       string
	httpClient   *http.Client
	logger       *slog.Logger
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewPriceOracleClient creates a new oracle client for coinID
func NewPriceOracleClient(coinID string, onUpdate func(decimal.Decimal)) *PriceOracleClient {
	return &PriceOracleClient{
		onUpdate:     onUpdate,
		rate:         decimal.Zero,
		pollInterval: 60 * time.Second, // Default: 1 minute
		maxAge:       5 * time.Minute,
		retryDelay:   time.Second,
		apiURL:       simplePriceURL(coinID),
		coinID:       coinID,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: slog.Default().With(slog.String("module", "oracle")),
	}
}

// NewPriceOracleClientWithConfig creates a client with custom configuration
func NewPriceOracleClientWithConfig(coinID string, onUpdate func(decimal.Decimal), apiURL string, pollIntervalSec int) *PriceOracleClient {
	client := NewPriceOracleClient(coinID, onUpdate)
	if apiURL != "" {
		client.apiURL = apiURL
	}
	if pollIntervalSec > 0 {
		client.pollInterval = time.Duration(pollIntervalSec) * time.Second
		client.maxAge = 5 * client.pollInterval
	}
	return client
}

func simplePriceURL(coinID string) string {
	return "https://api.coingecko.com/api/v3/simple/price?ids=" + url.QueryEscape(coinID) + "&vs_currencies=usd"
}

// Start begins polling for quote updates
func (c *PriceOracleClient) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	// Fetch immediately on start
	if err := c.fetchRate(ctx); err != nil {
		c.logger.Warn("Initial oracle fetch failed", slog.Any("error", err))
		// Continue anyway - will retry on next tick
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Oracle polling panic recovered", slog.Any("panic", r))
			}
		}()

		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				c.logger.Info("Oracle polling stopped")
				return
			case <-ticker.C:
				if err := c.fetchRate(ctx); err != nil {
					c.logger.Warn("Oracle fetch failed", slog.Any("error", err))
				}
			}
		}
	}()

	return nil
}

// fetchRate fetches the current quote with retry logic
func (c *PriceOracleClient) fetchRate(ctx context.Context) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if i > 0 {
			// Exponential backoff: 1s, 2s
			delay := CalculateBackoff(i-1, c.retryDelay, 4*c.retryDelay)
			c.logger.Info("Retrying oracle fetch", slog.Int("attempt", i), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := c.doFetch(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !domain.IsRetriable(err) {
			return err
		}
		c.logger.Warn("Oracle fetch attempt failed", slog.Int("attempt", i+1), slog.Any("error", err))
	}
	return lastErr
}

func (c *PriceOracleClient) doFetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL, nil)
	if err != nil {
		return domain.NewFatalNetworkError("oracle request", err)
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewNetworkError("oracle GET", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return domain.NewNetworkError("oracle GET", statusErr)
		}
		return domain.NewFatalNetworkError("oracle GET", statusErr)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewNetworkError("oracle read", err)
	}

	var data simplePriceResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return domain.NewFatalNetworkError("oracle decode", err)
	}

	quote, ok := data[c.coinID]["usd"]
	if !ok {
		return domain.NewFatalNetworkError("oracle decode", fmt.Errorf("no usd quote for %q", c.coinID))
	}
	if quote.IsNegative() {
		return domain.NewFatalNetworkError("oracle decode", fmt.Errorf("negative quote %s", quote))
	}

	c.mu.Lock()
	oldRate := c.rate
	c.rate = quote
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	// Notify if rate changed
	if !oldRate.Equal(quote) {
		c.logger.Info("Native USD quote updated",
			slog.String("rate", quote.String()),
			slog.String("old_rate", oldRate.String()),
		)
		if c.onUpdate != nil {
			c.onUpdate(quote)
		}
	}

	return nil
}

// Stop stops the polling
func (c *PriceOracleClient) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}
}

// GetRate returns the cached quote, zero if none was fetched yet
func (c *PriceOracleClient) GetRate() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rate
}

// NativeUSD returns the cached quote while it is fresh, otherwise fetches once.
// A failed fetch falls back to the stale cache when there is one.
func (c *PriceOracleClient) NativeUSD(ctx context.Context) (decimal.Decimal, error) {
	c.mu.RLock()
	rate, fetchedAt := c.rate, c.fetchedAt
	c.mu.RUnlock()

	if !fetchedAt.IsZero() && time.Since(fetchedAt) < c.maxAge {
		return rate, nil
	}

	if err := c.doFetch(ctx); err != nil {
		if !fetchedAt.IsZero() {
			c.logger.Warn("Oracle refresh failed, serving stale quote",
				slog.Duration("age", time.Since(fetchedAt)),
				slog.Any("error", err),
			)
			return rate, nil
		}
		return decimal.Zero, err
	}
	return c.GetRate(), nil
}
