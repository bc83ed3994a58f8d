// Package admin is the operator-facing HTTP surface: live device listing,
// health, and the metrics exposition. It binds separately from the device
// WebSocket listener so it can stay inside the private network.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/plantlink/plantlink/internal/monitoring"
	"github.com/plantlink/plantlink/internal/registry"
)

// BusHealth is what the admin surface needs from the bus adapter.
type BusHealth interface {
	Ready() bool
	StreamNames() []string
}

// Server serves the admin endpoints.
type Server struct {
	reg    *registry.Registry
	bus    BusHealth
	logger zerolog.Logger
	mux    *http.ServeMux
}

// NewServer builds the admin handler. reg may be nil for processes without
// device sessions (the historian).
func NewServer(reg *registry.Registry, bus BusHealth, logger zerolog.Logger) *Server {
	s := &Server{
		reg:    reg,
		bus:    bus,
		logger: logger.With().Str("component", "admin").Logger(),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /devices", s.handleDevices)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type deviceView struct {
	ClientID    string    `json:"clientId"`
	Role        string    `json:"role"`
	ConnectedAt time.Time `json:"connectedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices := []deviceView{}
	if s.reg != nil {
		for _, ctx := range s.reg.Contexts() {
			devices = append(devices, deviceView{
				ClientID:    ctx.ClientID(),
				Role:        ctx.Role(),
				ConnectedAt: ctx.ConnectedAt(),
				ExpiresAt:   ctx.ExpiresAt(),
			})
		}
	}
	writeJSON(w, http.StatusOK, devices)
}

type healthView struct {
	Status   string                  `json:"status"`
	Bus      bool                    `json:"busConnected"`
	Sessions int                     `json:"sessions"`
	Streams  []string                `json:"streams,omitempty"`
	Host     monitoring.HostSnapshot `json:"host"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	view := healthView{
		Bus:  s.bus.Ready(),
		Host: monitoring.SampleHost(),
	}
	if s.reg != nil {
		view.Sessions = s.reg.Count()
	}
	if view.Bus {
		view.Status = "ok"
		view.Streams = s.bus.StreamNames()
		writeJSON(w, http.StatusOK, view)
		return
	}
	view.Status = "degraded"
	writeJSON(w, http.StatusServiceUnavailable, view)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
