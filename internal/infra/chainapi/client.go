package chainapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ledger_sync/internal/domain"
	"ledger_sync/internal/infra"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultRPS      = 10
	defaultBurst    = 5
	maxSupplyPages  = 20
	maxErrorBodyLen = 512
)

// Client is the chain REST client (Boundary Layer).
// It implements domain.ChainAPI.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

var _ domain.ChainAPI = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRateLimit caps outbound requests. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l.With("module", "chain_api") }
}

// NewClient creates a REST client for baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(defaultRPS), defaultBurst),
		logger:  slog.Default().With("module", "chain_api"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ======================================================================================
// Wire types
// ======================================================================================

// apiDecimal accepts quoted or bare numbers; empty and null decode to zero.
type apiDecimal decimal.Decimal

func (d *apiDecimal) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*d = apiDecimal(decimal.Zero)
		return nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	*d = apiDecimal(v)
	return nil
}

func (d apiDecimal) Decimal() decimal.Decimal { return decimal.Decimal(d) }

type coinDTO struct {
	Denom  string     `json:"denom"`
	Amount apiDecimal `json:"amount"`
}

type pagination struct {
	NextKey string `json:"next_key"`
	Total   string `json:"total"`
}

type balancesResponse struct {
	Balances   []coinDTO  `json:"balances"`
	Pagination pagination `json:"pagination"`
}

type supplyResponse struct {
	Supply     []coinDTO  `json:"supply"`
	Pagination pagination `json:"pagination"`
}

type tickerDTO struct {
	Base        string     `json:"base"`
	Quote       string     `json:"quote"`
	MarketID    string     `json:"market_id"`
	LastPrice   apiDecimal `json:"last_price"`
	BaseVolume  apiDecimal `json:"base_volume"`
	QuoteVolume apiDecimal `json:"quote_volume"`
	Bid         apiDecimal `json:"bid"`
	Ask         apiDecimal `json:"ask"`
	High        apiDecimal `json:"high"`
	Low         apiDecimal `json:"low"`
	OpenPrice   apiDecimal `json:"open_price"`
	Change      apiDecimal `json:"change"`
}

type tickersResponse struct {
	Tickers []tickerDTO `json:"tickers"`
}

type tradeDTO struct {
	Price     apiDecimal `json:"price"`
	Quantity  apiDecimal `json:"quantity"`
	Side      string     `json:"side"`
	Timestamp string     `json:"timestamp"`
}

type tradesResponse struct {
	Trades []tradeDTO `json:"trades"`
}

type levelDTO struct {
	Price    apiDecimal `json:"price"`
	Quantity apiDecimal `json:"quantity"`
}

type orderBookResponse struct {
	Bids []levelDTO `json:"bids"`
	Asks []levelDTO `json:"asks"`
}

// ======================================================================================
// Collaborators
// ======================================================================================

// Balances returns every coin held by address.
func (c *Client) Balances(ctx context.Context, address string) ([]domain.Coin, error) {
	if address == "" {
		return nil, domain.ErrInvalidAddress
	}

	var out []domain.Coin
	err := c.paginate(ctx, "/cosmos/bank/v1beta1/balances/"+url.PathEscape(address), func(body []byte) (string, error) {
		var resp balancesResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", err
		}
		out = appendCoins(out, resp.Balances)
		return resp.Pagination.NextKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("balances of %s: %w", address, err)
	}
	return out, nil
}

// Supply returns the total supply of every denom.
func (c *Client) Supply(ctx context.Context) ([]domain.Coin, error) {
	var out []domain.Coin
	err := c.paginate(ctx, "/cosmos/bank/v1beta1/supply", func(body []byte) (string, error) {
		var resp supplyResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", err
		}
		out = appendCoins(out, resp.Supply)
		return resp.Pagination.NextKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("supply: %w", err)
	}
	return out, nil
}

// Tickers returns the 24h snapshot of every market.
func (c *Client) Tickers(ctx context.Context) ([]domain.MarketTicker, error) {
	var resp tickersResponse
	if err := c.getJSON(ctx, "/dex/v1/tickers", nil, &resp); err != nil {
		return nil, fmt.Errorf("tickers: %w", err)
	}

	out := make([]domain.MarketTicker, 0, len(resp.Tickers))
	for _, t := range resp.Tickers {
		if t.Base == "" || t.Quote == "" {
			continue
		}
		out = append(out, domain.MarketTicker{
			Base:        t.Base,
			Quote:       t.Quote,
			MarketID:    t.MarketID,
			LastPrice:   t.LastPrice.Decimal(),
			BaseVolume:  t.BaseVolume.Decimal(),
			QuoteVolume: t.QuoteVolume.Decimal(),
			Bid:         t.Bid.Decimal(),
			Ask:         t.Ask.Decimal(),
			High:        t.High.Decimal(),
			Low:         t.Low.Decimal(),
			OpenPrice:   t.OpenPrice.Decimal(),
			Change:      t.Change.Decimal(),
		})
	}
	return out, nil
}

// Trades returns up to limit recent trades of marketID, newest first.
func (c *Client) Trades(ctx context.Context, marketID string, limit int) ([]domain.Trade, error) {
	if marketID == "" {
		return nil, domain.ErrMarketNotFound
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp tradesResponse
	if err := c.getJSON(ctx, "/dex/v1/markets/"+url.PathEscape(marketID)+"/trades", q, &resp); err != nil {
		return nil, fmt.Errorf("trades of %s: %w", marketID, err)
	}

	out := make([]domain.Trade, 0, len(resp.Trades))
	for _, t := range resp.Trades {
		out = append(out, domain.Trade{
			MarketID:  marketID,
			Price:     t.Price.Decimal(),
			Quantity:  t.Quantity.Decimal(),
			Side:      t.Side,
			Timestamp: parseTimestamp(t.Timestamp),
		})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// OrderBook returns the depth snapshot of marketID.
func (c *Client) OrderBook(ctx context.Context, marketID string) (domain.OrderBook, error) {
	if marketID == "" {
		return domain.OrderBook{}, domain.ErrMarketNotFound
	}

	var resp orderBookResponse
	if err := c.getJSON(ctx, "/dex/v1/markets/"+url.PathEscape(marketID)+"/orderbook", nil, &resp); err != nil {
		return domain.OrderBook{}, fmt.Errorf("order book of %s: %w", marketID, err)
	}

	return domain.OrderBook{
		MarketID: marketID,
		Bids:     levels(resp.Bids),
		Asks:     levels(resp.Asks),
	}, nil
}

// ======================================================================================
// Transport
// ======================================================================================

func (c *Client) paginate(ctx context.Context, path string, page func(body []byte) (string, error)) error {
	q := url.Values{}
	for i := 0; i < maxSupplyPages; i++ {
		body, err := c.get(ctx, path, q)
		if err != nil {
			return err
		}
		next, err := page(body)
		if err != nil {
			return domain.NewFatalNetworkError("decode "+path, err)
		}
		if next == "" {
			return nil
		}
		q.Set("pagination.key", next)
	}
	c.logger.Warn("Pagination limit reached", "path", path, "pages", maxSupplyPages)
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	body, err := c.get(ctx, path, q)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return domain.NewFatalNetworkError("decode "+path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, domain.NewFatalNetworkError("GET "+path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", infra.DefaultUserAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError("GET "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewNetworkError("GET "+path, err)
	}

	c.logger.Debug("REST request", "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		if len(body) > maxErrorBodyLen {
			body = body[:maxErrorBodyLen]
		}
		statusErr := fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
		switch {
		case resp.StatusCode == http.StatusNotFound && strings.Contains(path, "/markets/"):
			return nil, fmt.Errorf("%w: %v", domain.ErrMarketNotFound, statusErr)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, domain.NewNetworkError("GET "+path, statusErr)
		default:
			return nil, domain.NewFatalNetworkError("GET "+path, statusErr)
		}
	}

	return body, nil
}

func appendCoins(out []domain.Coin, coins []coinDTO) []domain.Coin {
	for _, c := range coins {
		if c.Denom == "" {
			continue
		}
		out = append(out, domain.Coin{Denom: c.Denom, Amount: c.Amount.Decimal()})
	}
	return out
}

func levels(in []levelDTO) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, l := range in {
		out = append(out, domain.PriceLevel{Price: l.Price.Decimal(), Quantity: l.Quantity.Decimal()})
	}
	return out
}

// parseTimestamp accepts RFC3339 or unix seconds; anything else yields the zero time.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}
