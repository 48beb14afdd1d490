// Package server exposes the coordinator over HTTP: the message API used by
// page monitors, health probes, and the clearance admin API.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/examlock/examlockd/pkg/clearance"
	"github.com/examlock/examlockd/pkg/health"
	"github.com/examlock/examlockd/pkg/session"
)

// Version is set at build time.
var Version = "dev"

// Config configures the HTTP surface.
type Config struct {
	// Admin enables the clearance admin API when a record provider is
	// available.
	Admin AdminConfig
}

// Server routes inbound requests to the session coordinator.
type Server struct {
	coord   *session.Coordinator
	checker *health.Checker
	mux     *http.ServeMux
}

// New creates the HTTP surface over a coordinator. records may be nil when
// no record clearance provider is configured; the admin API is then
// unavailable regardless of cfg.Admin.
func New(coord *session.Coordinator, checker *health.Checker, records *clearance.RecordProvider, cfg Config) *Server {
	s := &Server{
		coord:   coord,
		checker: checker,
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /v1/message", s.handleMessage)
	s.mux.HandleFunc("GET /healthz", checker.LivenessHandler())
	s.mux.HandleFunc("GET /readyz", checker.ReadinessHandler())

	if cfg.Admin.Enabled && records != nil {
		admin := newAdminAPI(records, cfg.Admin)
		s.mux.Handle("POST /v1/admin/clearances", admin.authenticate(http.HandlerFunc(admin.handleGrant)))
		s.mux.Handle("DELETE /v1/admin/clearances", admin.authenticate(http.HandlerFunc(admin.handleRevoke)))
	}

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// errorResponse is the explicit error payload for rejected requests.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Success: false, Error: msg})
}
