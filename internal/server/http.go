// Package server exposes the bot's state over HTTP for operators: health,
// grid stats, active orders, recent trades, the event log and Prometheus
// metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"grid-trading-bybit/internal/core"
	"grid-trading-bybit/internal/logger"
	"grid-trading-bybit/internal/model"
	"grid-trading-bybit/internal/repository"
)

// GridView is the read side of the engine.
type GridView interface {
	Stats(ctx context.Context) (core.Stats, error)
	ActiveOrders() []model.Order
	Running() bool
}

// History is the read side of the ledger.
type History interface {
	Trades(ctx context.Context, symbol string, limit int) ([]model.Fill, error)
	Events(ctx context.Context, eventType string, limit int) ([]repository.Event, error)
}

type Server struct {
	Symbol  string
	Grid    GridView
	History History      // optional
	Metrics http.Handler // optional

	router *mux.Router
	srv    *http.Server
}

func New(symbol string, grid GridView, history History, metrics http.Handler) *Server {
	s := &Server{
		Symbol:  symbol,
		Grid:    grid,
		History: history,
		Metrics: metrics,
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/orders", s.handleOrders).Methods("GET")
	s.router.HandleFunc("/trades", s.handleTrades).Methods("GET")
	s.router.HandleFunc("/events", s.handleEvents).Methods("GET")
	if s.Metrics != nil {
		s.router.Handle("/metrics", s.Metrics).Methods("GET")
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until ctx is done, then shuts the listener down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("🌐 Ops server listening", "addr", addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if !s.Grid.Running() {
		status, code = "stopped", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{"status": status, "symbol": s.Symbol})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Grid.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.Grid.ActiveOrders()
	if orders == nil {
		orders = []model.Order{}
	}
	respondJSON(w, http.StatusOK, orders)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		respondJSON(w, http.StatusOK, []model.Fill{})
		return
	}
	limit, err := queryLimit(r, 50)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	fills, err := s.History.Trades(r.Context(), s.Symbol, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if fills == nil {
		fills = []model.Fill{}
	}
	respondJSON(w, http.StatusOK, fills)
}

// handleEvents lists the ledger's event log, newest first, optionally
// filtered by ?type=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		respondJSON(w, http.StatusOK, []repository.Event{})
		return
	}
	limit, err := queryLimit(r, 100)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	events, err := s.History.Events(r.Context(), r.URL.Query().Get("type"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []repository.Event{}
	}
	respondJSON(w, http.StatusOK, events)
}

func queryLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, code int, err error) {
	respondJSON(w, code, map[string]string{"error": err.Error()})
}
