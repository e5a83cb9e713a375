// Package telemetry serves the local maintenance API: health, current
// state and score, recent alerts, lockdown acknowledgement and Prometheus
// metrics. It reads pipeline snapshots only and cannot slow the safety
// path down.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"evsecure/pkg/pipeline"
	"evsecure/pkg/scoring"
	"evsecure/pkg/structlog"
)

const maxRecentAlerts = 100

// AlertSource reads back recently published alerts, newest first.
type AlertSource interface {
	RecentAlerts(ctx context.Context, n int64) ([]scoring.Alert, error)
}

// Server is the maintenance HTTP endpoint.
type Server struct {
	deviceID string
	pipe     *pipeline.Pipeline
	alerts   AlertSource
	log      *structlog.Logger

	router *mux.Router
	srv    *http.Server
}

// New builds the server. alerts may be nil when no uplink cache is
// configured; the recent-alerts endpoint then serves an empty list.
func New(addr, deviceID string, pipe *pipeline.Pipeline, alerts AlertSource, log *structlog.Logger) *Server {
	if log == nil {
		log = structlog.New("telemetry", structlog.LevelInfo, nil)
	}
	s := &Server{deviceID: deviceID, pipe: pipe, alerts: alerts, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/alerts/recent", s.handleRecentAlerts).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/acknowledge", s.handleAcknowledge).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router = r

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown. A closed server is a clean return.
func (s *Server) Start() error {
	s.log.Info("telemetry listening", structlog.Fields{"addr": s.srv.Addr})
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"device_id": s.deviceID,
		"state":     s.pipe.Status().State,
	})
}

type statusResponse struct {
	DeviceID string          `json:"device_id"`
	Status   pipeline.Status `json:"status"`
	Stats    pipeline.Stats  `json:"stats"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		DeviceID: s.deviceID,
		Status:   s.pipe.Status(),
		Stats:    s.pipe.Stats(),
	})
}

func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	n := int64(20)
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	if n > maxRecentAlerts {
		n = maxRecentAlerts
	}

	alerts := []scoring.Alert{}
	if s.alerts != nil {
		got, err := s.alerts.RecentAlerts(r.Context(), n)
		if err != nil {
			s.log.Warn("recent alerts lookup failed", structlog.Fields{"error": err.Error()})
			http.Error(w, "alert cache unavailable", http.StatusServiceUnavailable)
			return
		}
		if got != nil {
			alerts = got
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

// handleAcknowledge is the operator path out of lockdown. Anything other
// than an active lockdown is a conflict.
func (s *Server) handleAcknowledge(w http.ResponseWriter, _ *http.Request) {
	if !s.pipe.Acknowledge() {
		http.Error(w, "no active lockdown", http.StatusConflict)
		return
	}
	s.log.SecurityEvent("lockdown_acknowledged", structlog.Fields{"device_id": s.deviceID})
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
