package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/avaropoint/rendezvous/internal/broker"
	"github.com/avaropoint/rendezvous/internal/order"
	"github.com/avaropoint/rendezvous/internal/store"
	"github.com/avaropoint/rendezvous/internal/version"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// statsServer serves the operational read-only API: live counters and
// the finished-order history.
type statsServer struct {
	srv         *http.Server
	history     store.OrderHistoryStore
	controlling *broker.Controlling
	controlled  *broker.Controlled
	orders      *order.Broker
	log         *slog.Logger
}

func newStatsServer(addr string, history store.OrderHistoryStore, controlling *broker.Controlling, controlled *broker.Controlled, orders *order.Broker, log *slog.Logger) *statsServer {
	s := &statsServer{
		history:     history,
		controlling: controlling,
		controlled:  controlled,
		orders:      orders,
		log:         log.With("component", "stats"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/orders", s.handleOrders)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *statsServer) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("stats server", "err", err)
		}
	}()
	return nil
}

func (s *statsServer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.srv.Shutdown(ctx) //nolint:errcheck
}

func (s *statsServer) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"version":            version.String(),
		"controlling_online": s.controlling.OnlineCount(),
		"controlled_online":  s.controlled.OnlineCount(),
		"active_orders":      s.orders.ActiveCount(),
	})
}

func (s *statsServer) handleOrders(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", defaultHistoryLimit)
	if offset < 0 {
		offset = 0
	}
	if limit < 1 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}

	total, err := s.history.Count(r.Context())
	if err != nil {
		s.log.Error("count orders", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	page, err := s.history.Query(r.Context(), offset, limit)
	if err != nil {
		s.log.Error("query orders", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if page == nil {
		page = []*store.OrderRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
		"total":  total,
		"offset": offset,
		"limit":  limit,
		"orders": page,
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
