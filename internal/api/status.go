// Package api provides the read-only status endpoints. The meter set is
// fixed at one device, so there is nothing to create or delete over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/adapter/modbus"
	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/domain"
	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/service"
)

// LinkStatus is the connectivity view consumed by the status endpoint.
// Implemented by the link supervisor.
type LinkStatus interface {
	State() domain.LinkState
	IsConnected() bool
}

// SessionStatus reports the broker session. Implemented by the MQTT
// publisher.
type SessionStatus interface {
	IsConnected() bool
}

// ReadingSource serves cycle counters and the last publishable reading.
// Implemented by the poll loop.
type ReadingSource interface {
	LastReading() (*service.Snapshot, error)
	GetStats() service.Stats
	IsRunning() bool
}

// MeterDiagnostics exposes per-parameter read reliability. Implemented by
// the register reader.
type MeterDiagnostics interface {
	Stats() modbus.ReaderStats
	ParameterHealthReport() []modbus.ParameterHealth
}

// StatusHandler serves the bridge runtime state.
type StatusHandler struct {
	link    LinkStatus
	session SessionStatus
	loop    ReadingSource
	meter   MeterDiagnostics
	logger  zerolog.Logger
	started time.Time
}

// NewStatusHandler creates the handler. Any collaborator may be nil; its
// section is then omitted from the response.
func NewStatusHandler(link LinkStatus, session SessionStatus, loop ReadingSource, meter MeterDiagnostics, logger zerolog.Logger) *StatusHandler {
	return &StatusHandler{
		link:    link,
		session: session,
		loop:    loop,
		meter:   meter,
		logger:  logger.With().Str("component", "status-api").Logger(),
		started: time.Now(),
	}
}

// RegisterRoutes attaches the API endpoints to the mux.
func (h *StatusHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/status", h.GetStatusHandler)
	mux.HandleFunc("/api/v1/reading", h.GetReadingHandler)
}

type statusResponse struct {
	UptimeSeconds float64                  `json:"uptime_seconds"`
	Link          *linkSection             `json:"link,omitempty"`
	MQTT          *sessionSection          `json:"mqtt,omitempty"`
	Poll          *pollSection             `json:"poll,omitempty"`
	Meter         *meterSection            `json:"meter,omitempty"`
	Parameters    []modbus.ParameterHealth `json:"parameters,omitempty"`
}

type linkSection struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
}

type sessionSection struct {
	Connected bool `json:"connected"`
}

type pollSection struct {
	Running bool `json:"running"`
	service.Stats
}

type meterSection struct {
	modbus.ReaderStats
}

// GetStatusHandler returns the runtime state of every component.
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{
		UptimeSeconds: time.Since(h.started).Seconds(),
	}
	if h.link != nil {
		resp.Link = &linkSection{
			State:     h.link.State().String(),
			Connected: h.link.IsConnected(),
		}
	}
	if h.session != nil {
		resp.MQTT = &sessionSection{Connected: h.session.IsConnected()}
	}
	if h.loop != nil {
		resp.Poll = &pollSection{
			Running: h.loop.IsRunning(),
			Stats:   h.loop.GetStats(),
		}
	}
	if h.meter != nil {
		resp.Meter = &meterSection{ReaderStats: h.meter.Stats()}
		resp.Parameters = h.meter.ParameterHealthReport()
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetReadingHandler returns the last publishable reading, or 404 before
// the first successful cycle.
func (h *StatusHandler) GetReadingHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.loop == nil {
		http.Error(w, "Reading source unavailable", http.StatusServiceUnavailable)
		return
	}

	snap, err := h.loop.LastReading()
	if err != nil {
		if errors.Is(err, domain.ErrNoReadingAvailable) {
			h.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, snap)
}

func (h *StatusHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
