package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/natebag/trenchtools/internal/domain"
	"github.com/natebag/trenchtools/internal/position"
	"github.com/natebag/trenchtools/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePositions answers every call with pos, or err when set.
type fakePositions struct {
	pos        domain.Position
	err        error
	listStatus string
	retried    domain.TriggerType
	manual     position.ManualEntry
	overrides  domain.PolicyOverrides
	removed    string
}

func (f *fakePositions) List(status string) ([]domain.Position, error) {
	f.listStatus = status
	switch status {
	case "", "active", "closed":
	default:
		return nil, fmt.Errorf("unknown status filter %q", status)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.pos.ID == "" {
		return nil, nil
	}
	return []domain.Position{f.pos}, nil
}

func (f *fakePositions) Get(id string) (domain.Position, error) {
	if f.err != nil {
		return domain.Position{}, f.err
	}
	return f.pos, nil
}

func (f *fakePositions) Stats() position.Stats {
	return position.Stats{Total: 3, Open: 1, Partial: 1, Closed: 1, Active: 2}
}

func (f *fakePositions) History(id string) (service.HistoryView, error) {
	if f.err != nil {
		return service.HistoryView{}, f.err
	}
	return service.HistoryView{PositionID: id}, nil
}

func (f *fakePositions) OpenManual(_ context.Context, entry position.ManualEntry) (domain.Position, error) {
	f.manual = entry
	return f.pos, f.err
}

func (f *fakePositions) OpenFromAcquisition(_ context.Context, _ position.Acquisition) (domain.Position, error) {
	return f.pos, f.err
}

func (f *fakePositions) ManualSell(_ context.Context, _ string) (domain.Position, error) {
	return f.pos, f.err
}

func (f *fakePositions) EmergencyExit(_ context.Context, _ string) (domain.Position, error) {
	return f.pos, f.err
}

func (f *fakePositions) RetryTrigger(_ context.Context, _ string, tt domain.TriggerType) (domain.Position, error) {
	f.retried = tt
	return f.pos, f.err
}

func (f *fakePositions) UpdatePolicy(_ context.Context, _ string, overrides domain.PolicyOverrides) (domain.Position, error) {
	f.overrides = overrides
	return f.pos, f.err
}

func (f *fakePositions) Remove(_ context.Context, id string) error {
	f.removed = id
	return f.err
}

func positionMux(svc PositionService) *http.ServeMux {
	h := NewPositionHandler(svc, discardLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/positions", h.ListPositions)
	mux.HandleFunc("GET /api/positions/stats", h.Stats)
	mux.HandleFunc("GET /api/positions/{id}", h.GetPosition)
	mux.HandleFunc("GET /api/positions/{id}/history", h.History)
	mux.HandleFunc("POST /api/positions", h.OpenManual)
	mux.HandleFunc("POST /api/positions/acquisitions", h.OpenAcquisition)
	mux.HandleFunc("POST /api/positions/{id}/sell", h.Sell)
	mux.HandleFunc("POST /api/positions/{id}/emergency", h.Emergency)
	mux.HandleFunc("POST /api/positions/{id}/retry/{trigger}", h.Retry)
	mux.HandleFunc("PUT /api/positions/{id}/policy", h.UpdatePolicy)
	mux.HandleFunc("DELETE /api/positions/{id}", h.Remove)
	return mux
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func samplePosition() domain.Position {
	return domain.Position{
		ID:                "pos-1",
		AssetID:           "MINT1",
		EntryPrice:        decimal.RequireFromString("0.001"),
		TotalQuantity:     100000,
		RemainingQuantity: 100000,
		Status:            domain.PositionStatusOpen,
	}
}

func TestListPositions(t *testing.T) {
	svc := &fakePositions{pos: samplePosition()}
	mux := positionMux(svc)

	rec := serve(t, mux, http.MethodGet, "/api/positions?status=active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", svc.listStatus)

	var body struct {
		Positions []domain.Position `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Positions, 1)
	assert.Equal(t, "pos-1", body.Positions[0].ID)

	rec = serve(t, mux, http.MethodGet, "/api/positions?status=sideways", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPositions_EmptyIsArray(t *testing.T) {
	rec := serve(t, positionMux(&fakePositions{}), http.MethodGet, "/api/positions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"positions":[]}`, rec.Body.String())
}

func TestGetPosition_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"not found", domain.ErrPositionNotFound, http.StatusNotFound},
		{"wrapped not found", fmt.Errorf("store: %w", domain.ErrPositionNotFound), http.StatusNotFound},
		{"invalid", domain.ErrInvalidPosition, http.StatusBadRequest},
		{"closed", domain.ErrPositionClosed, http.StatusConflict},
		{"lock held", domain.ErrLockHeld, http.StatusConflict},
		{"execution", &domain.ExecutionError{PositionID: "pos-1", TriggerType: domain.TriggerManual, Err: errors.New("rpc down")}, http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, positionMux(&fakePositions{pos: samplePosition(), err: tt.err}), http.MethodGet, "/api/positions/pos-1", "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestGetPosition_InternalErrorHidesDetail(t *testing.T) {
	rec := serve(t, positionMux(&fakePositions{err: errors.New("password=hunter2")}), http.MethodGet, "/api/positions/pos-1", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestStats(t *testing.T) {
	rec := serve(t, positionMux(&fakePositions{}), http.MethodGet, "/api/positions/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats position.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Active)
}

func TestHistory(t *testing.T) {
	rec := serve(t, positionMux(&fakePositions{}), http.MethodGet, "/api/positions/pos-9/history", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "pos-9", view["position_id"])
	assert.Equal(t, []any{}, view["points"])
}

func TestOpenManual(t *testing.T) {
	svc := &fakePositions{pos: samplePosition()}
	body := `{"asset_id":"MINT1","entry_price":"0.001","entry_cost":"100","quantity":100000,"provenance":{"tx_ref":"sig-1"}}`

	rec := serve(t, positionMux(svc), http.MethodPost, "/api/positions", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "MINT1", svc.manual.AssetID)
	assert.Equal(t, int64(100000), svc.manual.Quantity)
}

func TestOpenManual_BadBody(t *testing.T) {
	mux := positionMux(&fakePositions{})

	rec := serve(t, mux, http.MethodPost, "/api/positions", `{"asset_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, mux, http.MethodPost, "/api/positions", `{"asset_id":"MINT1","colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOpenAcquisition_Duplicate(t *testing.T) {
	svc := &fakePositions{err: fmt.Errorf("source: %w", domain.ErrAlreadyExists)}
	rec := serve(t, positionMux(svc), http.MethodPost, "/api/positions/acquisitions", `{"asset_id":"MINT1","entry_cost":"100","quantity":100000,"tx_ref":"sig"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	svc.err = nil
	svc.pos = samplePosition()
	rec = serve(t, positionMux(svc), http.MethodPost, "/api/positions/acquisitions", `{"asset_id":"MINT1","entry_cost":"100","quantity":100000}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestExitEndpoints(t *testing.T) {
	tests := []struct {
		name string
		path string
		err  error
		want int
	}{
		{"sell", "/api/positions/pos-1/sell", nil, http.StatusOK},
		{"sell nothing left", "/api/positions/pos-1/sell", domain.ErrNothingToSell, http.StatusConflict},
		{"emergency", "/api/positions/pos-1/emergency", nil, http.StatusOK},
		{"emergency adapter failure", "/api/positions/pos-1/emergency", &domain.ExecutionError{PositionID: "pos-1", TriggerType: domain.TriggerManual, Err: domain.ErrExecutionRejected}, http.StatusBadGateway},
		{"retry", "/api/positions/pos-1/retry/take_profit", nil, http.StatusOK},
		{"retry not fired", "/api/positions/pos-1/retry/stop_loss", domain.ErrTriggerNotFired, http.StatusConflict},
		{"retry executed", "/api/positions/pos-1/retry/stop_loss", domain.ErrTriggerExecuted, http.StatusConflict},
		{"retry bad trigger", "/api/positions/pos-1/retry/moon", domain.ErrInvalidTrigger, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, positionMux(&fakePositions{pos: samplePosition(), err: tt.err}), http.MethodPost, tt.path, "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRetry_PassesTriggerType(t *testing.T) {
	svc := &fakePositions{pos: samplePosition()}
	rec := serve(t, positionMux(svc), http.MethodPost, "/api/positions/pos-1/retry/trailing_stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.TriggerTrailingStop, svc.retried)
}

func TestUpdatePolicy(t *testing.T) {
	svc := &fakePositions{pos: samplePosition()}
	rec := serve(t, positionMux(svc), http.MethodPut, "/api/positions/pos-1/policy", `{"take_profit_multiplier":"3"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.overrides.TakeProfitMultiplier)
	assert.True(t, svc.overrides.TakeProfitMultiplier.Equal(decimal.NewFromInt(3)))

	svc.err = fmt.Errorf("position_service: %w", domain.ErrInvalidPolicy)
	rec = serve(t, positionMux(svc), http.MethodPut, "/api/positions/pos-1/policy", `{"take_profit_multiplier":"0.5"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemove(t *testing.T) {
	svc := &fakePositions{}
	rec := serve(t, positionMux(svc), http.MethodDelete, "/api/positions/pos-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "pos-1", svc.removed)

	svc.err = domain.ErrPositionNotFound
	rec = serve(t, positionMux(svc), http.MethodDelete, "/api/positions/pos-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
