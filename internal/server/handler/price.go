package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/natebag/trenchtools/internal/domain"
)

// PricePusher accepts price observations into the engine.
type PricePusher interface {
	Push(ctx context.Context, obs domain.PriceObservation)
}

// PriceHandler accepts pushed price ticks and serves cached prices.
type PriceHandler struct {
	feed   PricePusher
	cache  domain.PriceCache
	logger *slog.Logger
}

// NewPriceHandler creates a PriceHandler. cache may be nil, in which case
// GetPrice responds 503.
func NewPriceHandler(feed PricePusher, cache domain.PriceCache, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{feed: feed, cache: cache, logger: logHandler(logger, "prices")}
}

type pushPriceRequest struct {
	AssetID   string          `json:"asset_id"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  uint64          `json:"sequence"`
	Liquidity decimal.Decimal `json:"liquidity"`
	Volume    decimal.Decimal `json:"volume"`
}

// PushPrice feeds a single observation to the engine.
// POST /api/prices
func (h *PriceHandler) PushPrice(w http.ResponseWriter, r *http.Request) {
	var req pushPriceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.AssetID == "" || !req.Price.IsPositive() {
		writeError(w, http.StatusBadRequest, "asset_id and a positive price are required")
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	h.feed.Push(r.Context(), domain.PriceObservation{
		AssetID:   req.AssetID,
		Price:     req.Price,
		Timestamp: req.Timestamp,
		Sequence:  req.Sequence,
		Liquidity: req.Liquidity,
		Volume:    req.Volume,
	})
	w.WriteHeader(http.StatusAccepted)
}

// GetPrice returns the last cached observation for an asset.
// GET /api/prices/{asset}
func (h *PriceHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "price cache not configured")
		return
	}
	obs, err := h.cache.GetPrice(r.Context(), pathParam(r, "asset"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, obs)
}
