// Package api serves the alarmd REST API over a Unix socket and, optionally,
// a TCP address.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/benaskins/alarmd/internal/aes128"
	"github.com/benaskins/alarmd/internal/alarm"
	"github.com/benaskins/alarmd/internal/daemon"
	"github.com/benaskins/alarmd/internal/notify"
)

const maxBodyBytes = 4 << 20

// Backend is the daemon surface the API exposes.
type Backend interface {
	Status(ctx context.Context) (daemon.Status, error)
	Alarms(ctx context.Context) ([]alarm.ScheduledAlarm, error)
	Pending() []notify.Request
	History(n int) []notify.Delivery
	Schedule(ctx context.Context, mn *alarm.MissedNotification) error
	FetchMissed(ctx context.Context, changeTime *time.Time) error
	Reschedule(ctx context.Context) error
	Unschedule(ctx context.Context, userID string) error
	Register(ctx context.Context, p alarm.PushIdentifier) error
	Reload(ctx context.Context) (*daemon.ReloadResult, error)
}

// Server serves the alarmd REST API.
type Server struct {
	backend  Backend
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
	ctx      context.Context
}

// NewServer creates an API server backed by b. ctx is the daemon lifecycle
// context used for reloads.
func NewServer(b Backend, ctx context.Context) *Server {
	s := &Server{
		backend: b,
		logger:  slog.With("component", "api"),
		ctx:     ctx,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.health)
	mux.HandleFunc("GET /v1/alarms", s.listAlarms)
	mux.HandleFunc("POST /v1/alarms", s.scheduleAlarms)
	mux.HandleFunc("POST /v1/alarms/reschedule", s.reschedule)
	mux.HandleFunc("DELETE /v1/users/{id}/alarms", s.unschedule)
	mux.HandleFunc("GET /v1/pending", s.pending)
	mux.HandleFunc("GET /v1/history", s.history)
	mux.HandleFunc("POST /v1/missed/fetch", s.fetchMissed)
	mux.HandleFunc("POST /v1/push-identifier", s.register)
	mux.HandleFunc("POST /v1/reload", s.reload)

	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the API's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenUnix starts the server on a Unix socket. A stale socket file from
// a previous run is removed first.
func (s *Server) ListenUnix(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}
	s.listener = ln
	s.logger.Info("API listening", "socket", path)
	return s.server.Serve(ln)
}

// ListenTCP starts the server on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "addr", addr)
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	State string `json:"status"`
	daemon.Status
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{State: "ok", Status: st})
}

func (s *Server) listAlarms(w http.ResponseWriter, r *http.Request) {
	alarms, err := s.backend.Alarms(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, alarms)
}

func (s *Server) scheduleAlarms(w http.ResponseWriter, r *http.Request) {
	var mn alarm.MissedNotification
	if err := decodeBody(w, r, &mn); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.backend.Schedule(r.Context(), &mn); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"alarms": len(mn.AlarmNotifications),
		"mail":   len(mn.NotificationInfos),
	})
}

func (s *Server) reschedule(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Reschedule(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rescheduled"})
}

func (s *Server) unschedule(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if err := s.backend.Unschedule(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unscheduled", "user": userID})
}

func (s *Server) pending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Pending())
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	n := 0
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("n must be a non-negative integer"))
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, s.backend.History(n))
}

func (s *Server) fetchMissed(w http.ResponseWriter, r *http.Request) {
	var changeTime *time.Time
	if v := r.URL.Query().Get("change_time"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("change_time must be milliseconds since epoch"))
			return
		}
		t := time.UnixMilli(ms).UTC()
		changeTime = &t
	}
	if err := s.backend.FetchMissed(r.Context(), changeTime); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, alarm.ErrNoFetcher) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "fetched"})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var p alarm.PushIdentifier
	if err := decodeBody(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if p.Identifier == "" || p.ElementID == "" || p.UserID == "" || p.Origin == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("identifier, element_id, user_id and origin are required"))
		return
	}
	if err := s.backend.Register(r.Context(), p); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, aes128.ErrInvalidKeyLength) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "user": p.UserID})
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	result, err := s.backend.Reload(s.ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
