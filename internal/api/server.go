// Package api is the HTTP control plane: bearer-token auth, the JSON
// envelope, and routes that delegate every state change to the supervisor.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/OpenListTeam/openlist-desktop-service/internal/history"
	"github.com/OpenListTeam/openlist-desktop-service/internal/logsink"
	"github.com/OpenListTeam/openlist-desktop-service/internal/metrics"
	"github.com/OpenListTeam/openlist-desktop-service/internal/supervisor"
)

const maxBodyBytes = 1 << 20 // request bodies above 1 MiB are rejected

// Server wires the routes. Shutdown is invoked (once, from a goroutine) when
// POST /api/v1/shutdown is accepted.
type Server struct {
	Sup      *supervisor.Supervisor
	APIKey   string
	Version  string
	Log      logrus.FieldLogger
	Shutdown func()

	// failed auth attempts are throttled to blunt key guessing
	authLimiter *rate.Limiter
}

func New(sup *supervisor.Supervisor, apiKey, version string, log logrus.FieldLogger, shutdown func()) *Server {
	return &Server{
		Sup:         sup,
		APIKey:      apiKey,
		Version:     version,
		Log:         log,
		Shutdown:    shutdown,
		authLimiter: rate.NewLimiter(rate.Limit(1), 5),
	}
}

// Handler builds the route table. Everything except /health requires auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.protect(metrics.Handler().ServeHTTP))
	mux.Handle("GET /api/v1/status", s.protect(s.handleStatus))
	mux.Handle("GET /api/v1/version", s.protect(s.handleVersion))
	mux.Handle("POST /api/v1/shutdown", s.protect(s.handleShutdown))
	mux.Handle("GET /api/v1/processes", s.protect(s.handleList))
	mux.Handle("POST /api/v1/processes", s.protect(s.handleCreate))
	mux.Handle("GET /api/v1/processes/{id}", s.protect(s.handleGet))
	mux.Handle("PUT /api/v1/processes/{id}", s.protect(s.handleUpdate))
	mux.Handle("DELETE /api/v1/processes/{id}", s.protect(s.handleDelete))
	mux.Handle("POST /api/v1/processes/{id}/start", s.protect(s.handleStart))
	mux.Handle("POST /api/v1/processes/{id}/stop", s.protect(s.handleStop))
	mux.Handle("GET /api/v1/processes/{id}/logs", s.protect(s.handleLogs))
	mux.Handle("GET /api/v1/processes/{id}/events", s.protect(s.handleEvents))
	return s.instrument(mux)
}

// instrument caps request bodies and counts responses by status code.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(strconv.Itoa(rec.code)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) protect(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			if !s.authLimiter.Allow() {
				writeError(w, http.StatusTooManyRequests, "too_many_requests")
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

// authorized accepts "Authorization: <key>" and "Authorization: Bearer <key>"
// with a constant-time comparison.
func (s *Server) authorized(r *http.Request) bool {
	token := strings.TrimSpace(r.Header.Get("Authorization"))
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" || s.APIKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.APIKey)) == 1
}

// envelope is the uniform response wrapper.
type envelope struct {
	Success   bool    `json:"success"`
	Data      any     `json:"data"`
	Error     *string `json:"error"`
	Timestamp int64   `json:"timestamp"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Timestamp: time.Now().Unix()})
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Error: &code, Timestamp: time.Now().Unix()})
}

// writeSupError maps supervisor error kinds onto HTTP statuses and stable
// snake_case error strings.
func (s *Server) writeSupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, supervisor.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, supervisor.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists")
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "already_running")
	case errors.Is(err, supervisor.ErrNotRunning):
		writeError(w, http.StatusConflict, "not_running")
	case errors.Is(err, supervisor.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, "invalid_config")
	case errors.Is(err, supervisor.ErrLaunchFailed):
		writeError(w, http.StatusInternalServerError, "launch_failed")
	case errors.Is(err, supervisor.ErrPersistence):
		writeError(w, http.StatusInternalServerError, "persistence_failed")
	default:
		s.Log.WithError(err).Error("unmapped supervisor error")
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.Sup.Stats())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"version": s.Version})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.Log.Info("shutdown requested over the API")
	writeData(w, http.StatusOK, map[string]string{"status": "shutting down"})
	if s.Shutdown != nil {
		go s.Shutdown()
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.Sup.List())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req supervisor.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	view, err := s.Sup.Create(req)
	if err != nil {
		s.writeSupError(w, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	view, err := s.Sup.Get(r.PathValue("id"))
	if err != nil {
		s.writeSupError(w, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch supervisor.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	view, err := s.Sup.Update(r.PathValue("id"), patch)
	if err != nil {
		s.writeSupError(w, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.Sup.Delete(r.PathValue("id")); err != nil {
		s.writeSupError(w, err)
		return
	}
	writeData(w, http.StatusOK, struct{}{})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	view, err := s.Sup.Start(r.PathValue("id"))
	if err != nil {
		s.writeSupError(w, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	view, err := s.Sup.Stop(r.PathValue("id"))
	if err != nil {
		s.writeSupError(w, err)
		return
	}
	writeData(w, http.StatusOK, view)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := logsink.DefaultTailLines
	if q := r.URL.Query().Get("lines"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		lines = n
	}
	out, err := s.Sup.Logs(r.PathValue("id"), lines)
	if err != nil {
		s.writeSupError(w, err)
		return
	}
	if out == nil {
		out = []string{}
	}
	// log tails are the one payload big enough for compression to matter
	w.Header().Set("Content-Type", "application/json")
	cw := brotli.HTTPCompressor(w, r)
	defer cw.Close()
	json.NewEncoder(cw).Encode(envelope{
		Success:   true,
		Data:      map[string]any{"lines": out},
		Timestamp: time.Now().Unix(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		limit = n
	}
	events, err := s.Sup.Events(r.PathValue("id"), limit)
	if err != nil {
		s.writeSupError(w, err)
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeData(w, http.StatusOK, map[string]any{"events": events})
}
