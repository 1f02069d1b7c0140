// Package api exposes the webhook ingress, the health and metrics
// endpoints, and the administrative control surface.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tallenb/remedy/internal/models"
	"github.com/tallenb/remedy/internal/telemetry"
)

// Pipeline accepts decoded webhook envelopes.
type Pipeline interface {
	HandleEnvelope(ctx context.Context, env models.WebhookEnvelope)
	Degraded() bool
}

// AdminStore is the persistence surface of the control endpoints.
type AdminStore interface {
	StartMaintenance(ctx context.Context, host, reason, createdBy string) (int64, error)
	EndMaintenance(ctx context.Context, id int64) error
	ActiveMaintenanceWindows(ctx context.Context) ([]models.MaintenanceWindow, error)
	RecentAttempts(ctx context.Context, limit int) ([]models.Attempt, error)
	PatternsForAlert(ctx context.Context, alertname string, limit int) ([]models.Pattern, error)
	HostStatuses(ctx context.Context) ([]models.HostStatus, error)
}

// Config holds the server settings.
type Config struct {
	ListenAddr string
	User       string
	Pass       string
}

// Server is the HTTP front end.
type Server struct {
	cfg      Config
	pipeline Pipeline
	store    AdminStore
	httpSrv  *http.Server
}

// New creates a Server.
func New(cfg Config, pipeline Pipeline, store AdminStore) *Server {
	s := &Server{cfg: cfg, pipeline: pipeline, store: store}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.auth(s.handleWebhook))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", telemetry.Handler())
	mux.HandleFunc("POST /api/maintenance", s.auth(s.handleStartMaintenance))
	mux.HandleFunc("DELETE /api/maintenance/{id}", s.auth(s.handleEndMaintenance))
	mux.HandleFunc("GET /api/maintenance", s.auth(s.handleListMaintenance))
	mux.HandleFunc("GET /api/attempts", s.auth(s.handleAttempts))
	mux.HandleFunc("GET /api/patterns", s.auth(s.handlePatterns))
	mux.HandleFunc("GET /api/hosts", s.auth(s.handleHosts))

	s.httpSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.cfg.ListenAddr).Msg("HTTP server listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.User)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Pass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="remedy"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// handleWebhook accepts an alertmanager-style envelope. Acceptance is
// acknowledged immediately; processing happens asynchronously.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var env models.WebhookEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "malformed envelope: "+err.Error(), http.StatusBadRequest)
		return
	}
	if env.Status != "" && env.Status != models.StatusFiring && env.Status != models.StatusResolved {
		http.Error(w, "unknown status "+string(env.Status), http.StatusBadRequest)
		return
	}

	// An empty alerts array is a valid no-op.
	if len(env.Alerts) > 0 {
		s.pipeline.HandleEnvelope(context.WithoutCancel(r.Context()), env)
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": len(env.Alerts)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := "healthy"
	code := http.StatusOK
	if s.pipeline.Degraded() {
		state = "degraded"
	}
	writeJSON(w, code, map[string]string{"status": state})
}

type maintenanceRequest struct {
	Host      string `json:"host,omitempty"`
	Reason    string `json:"reason"`
	CreatedBy string `json:"createdBy"`
}

func (s *Server) handleStartMaintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request: "+err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.store.StartMaintenance(r.Context(), req.Host, req.Reason, req.CreatedBy)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleEndMaintenance(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid window id", http.StatusBadRequest)
		return
	}
	if err := s.store.EndMaintenance(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (s *Server) handleListMaintenance(w http.ResponseWriter, r *http.Request) {
	windows, err := s.store.ActiveMaintenanceWindows(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, windows)
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	attempts, err := s.store.RecentAttempts(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	alertname := r.URL.Query().Get("alertname")
	if alertname == "" {
		http.Error(w, "alertname query parameter is required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	patterns, err := s.store.PatternsForAlert(r.Context(), alertname, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, patterns)
}

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.store.HostStatuses(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
