package handler

import (
	"net/http"
	"time"

	"github.com/natebag/trenchtools/internal/position"
)

// Controller pauses and resumes trigger evaluation.
type Controller interface {
	Pause()
	Resume()
	Paused() bool
	Stats() position.Stats
}

// ControlHandler serves the engine status and the pause switch.
type ControlHandler struct {
	ctrl      Controller
	mode      string
	adapter   string
	startedAt time.Time
}

// NewControlHandler creates a ControlHandler for the given mode and
// execution adapter name.
func NewControlHandler(ctrl Controller, mode, adapter string, startedAt time.Time) *ControlHandler {
	return &ControlHandler{ctrl: ctrl, mode: mode, adapter: adapter, startedAt: startedAt}
}

type statusResponse struct {
	Mode          string         `json:"mode"`
	Adapter       string         `json:"adapter"`
	Paused        bool           `json:"paused"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Positions     position.Stats `json:"positions"`
}

func (h *ControlHandler) status() statusResponse {
	return statusResponse{
		Mode:          h.mode,
		Adapter:       h.adapter,
		Paused:        h.ctrl.Paused(),
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Positions:     h.ctrl.Stats(),
	}
}

// GetStatus responds with the engine mode, pause state and position counts.
// GET /api/status
func (h *ControlHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

// Pause stops trigger evaluation. Prices keep updating peaks and history.
// POST /api/control/pause
func (h *ControlHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.ctrl.Pause()
	writeJSON(w, http.StatusOK, h.status())
}

// Resume re-enables trigger evaluation.
// POST /api/control/resume
func (h *ControlHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.ctrl.Resume()
	writeJSON(w, http.StatusOK, h.status())
}
