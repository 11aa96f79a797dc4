// Package api serves the reporting and operator HTTP API of the engine.
package api

import (
	"Go2NetGuard/internal/block"
	"Go2NetGuard/internal/engine/manager"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/query"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const defaultLimit = 100

// Engine is the read side of the ingestion loop.
type Engine interface {
	RecentPackets(n int) []model.ClassifiedPacket
	RecentThreats(n int) []model.ThreatEvent
	RecentEvents(n int) []model.SystemEvent
	ActiveBlocks() []model.BlockEntry
	Stats() manager.Stats
}

// Blocker is the operator side of the block controller.
type Blocker interface {
	Block(ctx context.Context, addr netip.Addr, reason string, dur time.Duration) (model.BlockEntry, error)
	Unblock(ctx context.Context, addr netip.Addr) error
	Lookup(addr netip.Addr) (model.BlockEntry, bool)
	IsWhitelisted(addr netip.Addr) bool
}

// Server holds the dependencies for API handlers. querier may be nil when no
// ClickHouse store is configured.
type Server struct {
	engine  Engine
	blocker Blocker
	querier query.Querier
	log     *logrus.Logger
	router  *mux.Router
}

// NewServer builds the router.
func NewServer(engine Engine, blocker Blocker, querier query.Querier, log *logrus.Logger) *Server {
	s := &Server{engine: engine, blocker: blocker, querier: querier, log: log, router: mux.NewRouter()}

	s.router.Use(s.logRequests)
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/packets", s.packetsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/threats", s.threatsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.eventsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/blocks", s.listBlocksHandler).Methods(http.MethodGet)
	v1.HandleFunc("/blocks", s.createBlockHandler).Methods(http.MethodPost)
	v1.HandleFunc("/blocks/{address}", s.getBlockHandler).Methods(http.MethodGet)
	v1.HandleFunc("/blocks/{address}", s.deleteBlockHandler).Methods(http.MethodDelete)
	v1.HandleFunc("/history/threats", s.threatHistoryHandler).Methods(http.MethodGet)
	v1.HandleFunc("/history/blocks/{address}", s.blockHistoryHandler).Methods(http.MethodGet)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("API request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	status := http.StatusOK
	if !stats.ModelReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"model_ready": stats.ModelReady, "model_version": stats.ModelVersion})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) packetsHandler(w http.ResponseWriter, r *http.Request) {
	n, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.RecentPackets(n))
}

func (s *Server) threatsHandler(w http.ResponseWriter, r *http.Request) {
	n, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.RecentThreats(n))
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	n, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.RecentEvents(n))
}

func (s *Server) listBlocksHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ActiveBlocks())
}

func (s *Server) getBlockHandler(w http.ResponseWriter, r *http.Request) {
	addr, err := addressVar(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entry, ok := s.blocker.Lookup(addr)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%s is not blocked", addr))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// BlockRequest is the body of POST /api/v1/blocks. An empty or zero Duration
// blocks permanently.
type BlockRequest struct {
	Address  string `json:"address"`
	Reason   string `json:"reason"`
	Duration string `json:"duration"`
}

func (s *Server) createBlockHandler(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode request: %w", err))
		return
	}
	addr, err := netip.ParseAddr(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid address: %w", err))
		return
	}
	var dur time.Duration
	if req.Duration != "" {
		dur, err = time.ParseDuration(req.Duration)
		if err != nil || dur < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid duration %q", req.Duration))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual block"
	}

	entry, err := s.blocker.Block(r.Context(), addr, req.Reason, dur)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.log.WithFields(logrus.Fields{"address": addr.String(), "duration": dur, "remote": r.RemoteAddr}).Info("Operator blocked address")
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) deleteBlockHandler(w http.ResponseWriter, r *http.Request) {
	addr, err := addressVar(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.blocker.Unblock(r.Context(), addr); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.log.WithFields(logrus.Fields{"address": addr.String(), "remote": r.RemoteAddr}).Info("Operator unblocked address")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) threatHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if s.querier == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no audit store is configured"))
		return
	}
	var f query.ThreatFilter
	var err error
	q := r.URL.Query()
	if f.Since, err = timeParam(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if f.Until, err = timeParam(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if src := q.Get("source"); src != "" {
		if f.Source, err = netip.ParseAddr(src); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid source: %w", err))
			return
		}
	}
	counts, err := s.querier.ThreatCounts(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to query threats: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) blockHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if s.querier == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no audit store is configured"))
		return
	}
	addr, err := addressVar(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	since, err := timeParam(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	history, err := s.querier.BlockHistory(r.Context(), addr, since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to query block history: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func statusFor(err error) int {
	var fwErr *block.FirewallError
	switch {
	case errors.Is(err, block.ErrWhitelisted):
		return http.StatusForbidden
	case errors.Is(err, block.ErrNotBlocked):
		return http.StatusNotFound
	case errors.Is(err, block.ErrPending):
		return http.StatusConflict
	case errors.As(err, &fwErr):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func addressVar(r *http.Request) (netip.Addr, error) {
	raw := mux.Vars(r)["address"]
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid address %q", raw)
	}
	return addr.Unmap(), nil
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func timeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, want RFC3339", raw)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
