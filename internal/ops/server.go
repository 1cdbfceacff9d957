// Package ops is the local operator API: health, metrics and the halt
// switch.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/Rajchodisetti/tradeguard/internal/domain"
	"github.com/Rajchodisetti/tradeguard/internal/observ"
	"github.com/Rajchodisetti/tradeguard/internal/risk"
	"github.com/Rajchodisetti/tradeguard/internal/store"
)

// Halter is the kill switch as the operator sees it.
type Halter interface {
	Halted() bool
	Status() risk.HaltStatus
	Trip(source, reason string) bool
	Reset(operator, reason string) error
}

// AuditReader lists recent audit events, newest first.
type AuditReader interface {
	AuditTrail(ctx context.Context, limit int) ([]domain.AuditEvent, error)
}

// HaltRequest is the body of POST /v1/halt and /v1/halt/reset.
type HaltRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

type Server struct {
	router *mux.Router
	srv    *http.Server
	halt   Halter
	audit  store.AuditSink
}

func NewServer(addr string, halt Halter, audit store.AuditSink) *Server {
	s := &Server{router: mux.NewRouter(), halt: halt, audit: audit}
	s.routes()
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(requestID, logRequests)
	s.router.Handle("/healthz", observ.HealthHandler()).Methods(http.MethodGet)
	s.router.Handle("/metrics", observ.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/halt", s.haltStatus).Methods(http.MethodGet)
	v1.HandleFunc("/halt", s.haltSet).Methods(http.MethodPost)
	v1.HandleFunc("/halt/reset", s.haltReset).Methods(http.MethodPost)
}

// ServeAuditTrail adds GET /v1/audit?limit=N backed by r.
func (s *Server) ServeAuditTrail(r AuditReader) {
	s.router.HandleFunc("/v1/audit", func(w http.ResponseWriter, req *http.Request) {
		limit := 100
		if v := req.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 1000 {
				writeError(w, http.StatusBadRequest, "limit must be in 1..1000")
				return
			}
			limit = n
		}
		evs, err := r.AuditTrail(req.Context(), limit)
		if err != nil {
			observ.Error("audit_trail_failed", err, nil)
			writeError(w, http.StatusInternalServerError, "audit trail unavailable")
			return
		}
		writeJSON(w, http.StatusOK, evs)
	}).Methods(http.MethodGet)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	observ.Log("ops_listening", map[string]any{"addr": s.srv.Addr})
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

func (s *Server) haltStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.halt.Status())
}

func (s *Server) haltSet(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeHalt(w, r)
	if !ok {
		return
	}
	if s.halt.Trip("operator:"+req.Operator, req.Reason) {
		s.record(r.Context(), domain.AuditHaltSet, req)
	}
	writeJSON(w, http.StatusOK, s.halt.Status())
}

func (s *Server) haltReset(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeHalt(w, r)
	if !ok {
		return
	}
	wasHalted := s.halt.Halted()
	if err := s.halt.Reset(req.Operator, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if wasHalted {
		s.record(r.Context(), domain.AuditHaltReset, req)
	}
	writeJSON(w, http.StatusOK, s.halt.Status())
}

func decodeHalt(w http.ResponseWriter, r *http.Request) (HaltRequest, bool) {
	var req HaltRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return req, false
	}
	req.Operator = strings.TrimSpace(req.Operator)
	if req.Operator == "" {
		writeError(w, http.StatusBadRequest, risk.ErrOperatorRequired.Error())
		return req, false
	}
	return req, true
}

func (s *Server) record(ctx context.Context, kind domain.AuditKind, req HaltRequest) {
	if s.audit == nil {
		return
	}
	ev := domain.AuditEvent{
		ID:      uuid.NewString(),
		Time:    time.Now().UTC(),
		Kind:    kind,
		Code:    string(kind),
		Reason:  req.Reason,
		Details: map[string]any{"operator": req.Operator},
	}
	if err := s.audit.Record(context.WithoutCancel(ctx), ev); err != nil {
		observ.Error("audit_write_failed", err, map[string]any{"kind": string(kind)})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type ctxKey struct{}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		id, _ := r.Context().Value(ctxKey{}).(string)
		observ.Log("ops_request", map[string]any{
			"request_id": id,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"ms":         time.Since(start).Milliseconds(),
		})
	})
}
