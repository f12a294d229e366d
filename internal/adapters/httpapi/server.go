// Package httpapi exposes the automation controller over a small JSON API.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autotrader/internal/analytics"
	"autotrader/internal/app"
	"autotrader/internal/domain"
	"autotrader/internal/ports"
)

// Automation is the part of the controller the API drives.
type Automation interface {
	Start() bool
	Stop() bool
	Status() app.Status
	ScanNow(ctx context.Context) (app.CycleReport, error)
	UpdateSettings(ctx context.Context, values map[string]string) error
	ClosePosition(ctx context.Context, tradeID string) (bool, error)
	Summary(ctx context.Context) (analytics.Summary, error)
}

// CapitalBook reads and reseeds ledger capital.
type CapitalBook interface {
	Get(mode domain.Mode) domain.Capital
	Reset(ctx context.Context, balance float64) error
}

// Config holds the server dependencies.
type Config struct {
	Addr       string
	Logger     ports.Logger
	Automation Automation
	Trades     ports.TradeStore
	Capital    CapitalBook
	Gatherer   prometheus.Gatherer // Optional; /metrics is not routed without it
}

// Server is the HTTP control surface.
type Server struct {
	cfg    Config
	router *mux.Router
	http   *http.Server
}

// New validates cfg and builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil || cfg.Automation == nil || cfg.Trades == nil || cfg.Capital == nil {
		return nil, fmt.Errorf("missing required dependencies for HTTP server")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	s := &Server{cfg: cfg}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Scans place orders; leave room for settle delays and retries.
		WriteTimeout: 2 * time.Minute,
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recovery, s.logging)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	api.HandleFunc("/automation/start", s.startAutomation).Methods(http.MethodPost)
	api.HandleFunc("/automation/stop", s.stopAutomation).Methods(http.MethodPost)
	api.HandleFunc("/automation/scan", s.scanNow).Methods(http.MethodPost)
	api.HandleFunc("/settings", s.getSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.updateSettings).Methods(http.MethodPatch)
	api.HandleFunc("/trades", s.listTrades).Methods(http.MethodGet)
	api.HandleFunc("/trades/{id}/close", s.closeTrade).Methods(http.MethodPost)
	api.HandleFunc("/capital", s.getCapital).Methods(http.MethodGet)
	api.HandleFunc("/capital/reset", s.resetCapital).Methods(http.MethodPost)
	api.HandleFunc("/stats/summary", s.getSummary).Methods(http.MethodGet)

	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	return r
}

// ListenAndServe serves until Shutdown is called. It returns nil on a clean shutdown.
func (s *Server) ListenAndServe() error {
	s.cfg.Logger.Info(context.Background(), "HTTP API listening", map[string]interface{}{"addr": s.cfg.Addr})
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP API failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
