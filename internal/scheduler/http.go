package scheduler

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/cityworks/permit-pipeline/internal/logging"
)

// Server exposes the Scheduler's on-demand POST triggers and unauthenticated
// GET /healthz, /status per §4.8/§6.
type Server struct {
	sched  *Scheduler
	log    *logging.Logger
	secret string
}

func NewServer(sched *Scheduler, log *logging.Logger, cronSecret string) *Server {
	return &Server{sched: sched, log: log, secret: cronSecret}
}

// Router wires the unauthenticated health/status routes and a
// secret-gated subrouter for the five trigger endpoints, mirroring the
// gateway's public/protected subrouter split.
func (s *Server) Router() *mux.Router {
	root := mux.NewRouter()
	root.Use(s.loggingMiddleware, s.recoveryMiddleware)

	root.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	root.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	triggers := root.PathPrefix("/triggers").Subrouter()
	triggers.Use(s.authMiddleware)
	triggers.HandleFunc("/ingest_nightly", s.handleTrigger("ingest_delta")).Methods(http.MethodPost)
	triggers.HandleFunc("/refresh_signals", s.handleTrigger("refresh_signals")).Methods(http.MethodPost)
	triggers.HandleFunc("/refresh_velocity", s.handleTrigger("refresh_velocity")).Methods(http.MethodPost)
	triggers.HandleFunc("/backup", s.handleTrigger("backup_user_tables")).Methods(http.MethodPost)
	triggers.HandleFunc("/aggregate_api_usage", s.handleAggregateAPIUsage).Methods(http.MethodPost)

	return root
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithContext(r.Context()).Infof("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.WithContext(r.Context()).Errorf("panic handling %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware requires a bearer secret matching cron_secret, comparing in
// constant time so response latency can't leak how much of the secret
// matched. Unauthorized calls get a bare non-200 with no body (§4.8).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	expected := sha256.Sum256([]byte(s.secret))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secret == "" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		received := sha256.Sum256([]byte(strings.TrimPrefix(auth, prefix)))
		if subtle.ConstantTimeCompare(received[:], expected[:]) != 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := s.sched.RecentCronLogs(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read status"})
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleTrigger(step string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.sched.RunStep(context.Background(), step); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "completed", "step": step})
	}
}

// handleAggregateAPIUsage is a named trigger endpoint (§6) with no
// corresponding pipeline step of its own; it aggregates query_log rows
// maintained outside this module's derived-store scope, so it only
// acknowledges the request here.
func (s *Server) handleAggregateAPIUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "not implemented"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
