// Package api serves the synced chain view over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"ledger_sync/internal/domain"
	"ledger_sync/internal/service"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

const maxRequestBodyBytes = 4 << 10

// Wallet is the watched-address observable.
type Wallet interface {
	Address() string
	SetAddress(address string) error
}

// Server exposes prices, tickers, balances and order books.
type Server struct {
	status  domain.LiveStatus
	prices  *service.PriceService
	view    *service.ChainView
	wallet  Wallet
	metrics http.Handler
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l.With(slog.String("component", "api")) }
}

// NewServer creates a new Server.
func NewServer(status domain.LiveStatus, prices *service.PriceService, view *service.ChainView, wallet Wallet, opts ...Option) *Server {
	s := &Server{
		status: status,
		prices: prices,
		view:   view,
		wallet: wallet,
		logger: slog.Default().With(slog.String("component", "api")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/prices", s.handlePrices).Methods(http.MethodGet)
	r.HandleFunc("/prices/{denom:.+}", s.handlePrice).Methods(http.MethodGet)
	r.HandleFunc("/tickers", s.handleTickers).Methods(http.MethodGet)
	r.HandleFunc("/balances", s.handleBalances).Methods(http.MethodGet)
	r.HandleFunc("/orderbooks/{market:.+}", s.handleOrderBook).Methods(http.MethodGet)
	r.HandleFunc("/wallet", s.handleGetWallet).Methods(http.MethodGet)
	r.HandleFunc("/wallet", s.handlePutWallet).Methods(http.MethodPut)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("API server shutdown error", slog.Any("error", err))
		}
	}()

	s.logger.Info("API server started", slog.String("addr", addr))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type healthResponse struct {
	Live   bool   `json:"live"`
	State  string `json:"state"`
	Wallet string `json:"wallet,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Live:   s.status.IsLive(),
		State:  s.status.State().String(),
		Wallet: s.wallet.Address(),
	}
	status := http.StatusOK
	if !resp.Live {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type pricesResponse struct {
	Anchor    decimal.Decimal     `json:"native_usd"`
	UpdatedAt time.Time           `json:"updated_at"`
	Prices    []domain.PriceEntry `json:"prices"`
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	table := s.prices.Table()
	writeJSON(w, http.StatusOK, pricesResponse{
		Anchor:    table.Anchor,
		UpdatedAt: table.UpdatedAt,
		Prices:    s.prices.GetAllData(),
	})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	denom := mux.Vars(r)["denom"]
	p, ok := s.prices.Table().Prices[denom]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown denom")
		return
	}
	writeJSON(w, http.StatusOK, domain.PriceEntry{Denom: denom, USDPrice: p})
}

type tickerRow struct {
	domain.MarketTicker
	ChangeDirection string           `json:"change_direction"`
	Spread          *decimal.Decimal `json:"spread,omitempty"`
}

func (s *Server) handleTickers(w http.ResponseWriter, r *http.Request) {
	tickers := s.view.Tickers().Load().All()
	rows := make([]tickerRow, 0, len(tickers))
	for _, t := range tickers {
		rows = append(rows, tickerRow{MarketTicker: t, ChangeDirection: t.ChangeDirection(), Spread: t.Spread()})
	}
	writeJSON(w, http.StatusOK, rows)
}

type balanceRow struct {
	Denom  string          `json:"denom"`
	Amount decimal.Decimal `json:"amount"`
	USD    decimal.Decimal `json:"usd"`
}

type balancesResponse struct {
	Address  string          `json:"address"`
	TotalUSD decimal.Decimal `json:"total_usd"`
	Coins    []balanceRow    `json:"coins"`
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	b := s.view.Balances().Load()
	prices := s.prices.Table().Prices

	rows := make([]balanceRow, 0, len(b.Coins))
	for _, denom := range b.Denoms() {
		amount := b.Amount(denom)
		rows = append(rows, balanceRow{Denom: denom, Amount: amount, USD: amount.Mul(prices[denom])})
	}
	writeJSON(w, http.StatusOK, balancesResponse{
		Address:  s.wallet.Address(),
		TotalUSD: s.prices.PortfolioUSD(b),
		Coins:    rows,
	})
}

type orderBookResponse struct {
	domain.OrderBook
	Base    string             `json:"base,omitempty"`
	Quote   string             `json:"quote,omitempty"`
	BestBid *domain.PriceLevel `json:"best_bid,omitempty"`
	BestAsk *domain.PriceLevel `json:"best_ask,omitempty"`
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	marketID := mux.Vars(r)["market"]
	ob, ok := s.view.LookupOrderBook(marketID)
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrMarketNotFound.Error())
		return
	}

	resp := orderBookResponse{OrderBook: ob}
	if t, ok := s.view.Tickers().Load().ByMarketID(marketID); ok {
		resp.Base, resp.Quote = t.Base, t.Quote
	}
	if l, ok := ob.BestBid(); ok {
		resp.BestBid = &l
	}
	if l, ok := ob.BestAsk(); ok {
		resp.BestAsk = &l
	}
	writeJSON(w, http.StatusOK, resp)
}

type walletRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, walletRequest{Address: s.wallet.Address()})
}

func (s *Server) handlePutWallet(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.wallet.SetAddress(req.Address); err != nil {
		if errors.Is(err, domain.ErrInvalidAddress) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Set wallet address failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, walletRequest{Address: s.wallet.Address()})
}
