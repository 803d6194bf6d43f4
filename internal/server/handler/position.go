package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/natebag/trenchtools/internal/domain"
	"github.com/natebag/trenchtools/internal/position"
	"github.com/natebag/trenchtools/internal/service"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	List(status string) ([]domain.Position, error)
	Get(id string) (domain.Position, error)
	Stats() position.Stats
	History(id string) (service.HistoryView, error)
	OpenManual(ctx context.Context, entry position.ManualEntry) (domain.Position, error)
	OpenFromAcquisition(ctx context.Context, acq position.Acquisition) (domain.Position, error)
	ManualSell(ctx context.Context, id string) (domain.Position, error)
	EmergencyExit(ctx context.Context, id string) (domain.Position, error)
	RetryTrigger(ctx context.Context, id string, tt domain.TriggerType) (domain.Position, error)
	UpdatePolicy(ctx context.Context, id string, overrides domain.PolicyOverrides) (domain.Position, error)
	Remove(ctx context.Context, id string) error
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "positions"),
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns positions, optionally filtered by status.
// GET /api/positions?status=active|closed
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.List(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns one position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.positions.Get(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// Stats returns aggregate position statistics.
// GET /api/positions/stats
func (h *PositionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.positions.Stats())
}

// History returns the rolling price history of a position.
// GET /api/positions/{id}/history
func (h *PositionHandler) History(w http.ResponseWriter, r *http.Request) {
	view, err := h.positions.History(pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if view.Points == nil {
		view.Points = []domain.PricePoint{}
	}
	writeJSON(w, http.StatusOK, view)
}

// OpenManual registers an operator-supplied position.
// POST /api/positions
func (h *PositionHandler) OpenManual(w http.ResponseWriter, r *http.Request) {
	var entry position.ManualEntry
	if err := decodeJSON(r, &entry); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	pos, err := h.positions.OpenManual(r.Context(), entry)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// OpenAcquisition registers a position for a completed buy reported by an
// upstream sniper or buyer.
// POST /api/positions/acquisitions
func (h *PositionHandler) OpenAcquisition(w http.ResponseWriter, r *http.Request) {
	var acq position.Acquisition
	if err := decodeJSON(r, &acq); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	pos, err := h.positions.OpenFromAcquisition(r.Context(), acq)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// Sell sells the whole remaining quantity of a position.
// POST /api/positions/{id}/sell
func (h *PositionHandler) Sell(w http.ResponseWriter, r *http.Request) {
	h.exit(w, r, h.positions.ManualSell)
}

// Emergency liquidates a position immediately.
// POST /api/positions/{id}/emergency
func (h *PositionHandler) Emergency(w http.ResponseWriter, r *http.Request) {
	h.exit(w, r, h.positions.EmergencyExit)
}

// Retry re-runs the exit for a fired trigger whose execution failed.
// POST /api/positions/{id}/retry/{trigger}
func (h *PositionHandler) Retry(w http.ResponseWriter, r *http.Request) {
	tt := domain.TriggerType(pathParam(r, "trigger"))
	h.exit(w, r, func(ctx context.Context, id string) (domain.Position, error) {
		return h.positions.RetryTrigger(ctx, id, tt)
	})
}

func (h *PositionHandler) exit(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (domain.Position, error)) {
	id := pathParam(r, "id")
	pos, err := fn(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	h.logger.InfoContext(r.Context(), "exit requested via api",
		slog.String("position_id", id),
		slog.String("path", r.URL.Path),
	)
	writeJSON(w, http.StatusOK, pos)
}

// UpdatePolicy applies overrides to a position's exit policy.
// PUT /api/positions/{id}/policy
func (h *PositionHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var overrides domain.PolicyOverrides
	if err := decodeJSON(r, &overrides); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	pos, err := h.positions.UpdatePolicy(r.Context(), pathParam(r, "id"), overrides)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// Remove deletes a position from the engine.
// DELETE /api/positions/{id}
func (h *PositionHandler) Remove(w http.ResponseWriter, r *http.Request) {
	if err := h.positions.Remove(r.Context(), pathParam(r, "id")); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
