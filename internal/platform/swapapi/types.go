package swapapi

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/natebag/trenchtools/internal/domain"
)

// APISellRequest is the JSON body for POST /v1/sell.
type APISellRequest struct {
	ClientRef      string          `json:"clientRef"`
	Mint           string          `json:"mint"`
	Amount         int64           `json:"amount"`
	Reason         string          `json:"reason"`
	ReferencePrice decimal.Decimal `json:"referencePrice"`
	MinOut         decimal.Decimal `json:"minOut"`
	SlippageBps    int             `json:"slippageBps"`
	PriorityFee    decimal.Decimal `json:"priorityFee"`
	JitoTip        decimal.Decimal `json:"jitoTip"`
}

// APISellResult is the JSON response of POST /v1/sell.
type APISellResult struct {
	Success       bool            `json:"success"`
	Signature     string          `json:"signature"`
	AmountIn      int64           `json:"amountIn"`
	AmountOut     decimal.Decimal `json:"amountOut"`
	ExecutedPrice decimal.Decimal `json:"executedPrice"`
	Slot          uint64          `json:"slot"`
	Timestamp     int64           `json:"timestamp"` // unix milliseconds
	ErrorMsg      string          `json:"error"`
}

// APIError is the JSON body returned with non-2xx responses.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// newSellRequest converts a domain SellOrder to the wire format. MinOut
// applies the order's slippage tolerance to its expected proceeds.
func newSellRequest(order domain.SellOrder) APISellRequest {
	tolerance := decimal.NewFromInt(int64(order.SlippageBps)).Div(decimal.NewFromInt(10000))
	minOut := order.ExpectedProceeds.Mul(decimal.NewFromInt(1).Sub(tolerance))
	if minOut.IsNegative() {
		minOut = decimal.Zero
	}
	return APISellRequest{
		ClientRef:      order.PositionID + ":" + string(order.TriggerType),
		Mint:           order.AssetID,
		Amount:         order.Quantity,
		Reason:         string(order.TriggerType),
		ReferencePrice: order.ReferencePrice,
		MinOut:         minOut,
		SlippageBps:    order.SlippageBps,
		PriorityFee:    order.PriorityFee,
		JitoTip:        order.TipFee,
	}
}

// ToDomainSellOutcome converts the API result to a domain SellOutcome.
func (r APISellResult) ToDomainSellOutcome() domain.SellOutcome {
	out := domain.SellOutcome{
		Success:       r.Success,
		ExecutionRef:  r.Signature,
		QuantitySold:  r.AmountIn,
		Proceeds:      r.AmountOut,
		ExecutedPrice: r.ExecutedPrice,
		Error:         r.ErrorMsg,
	}
	if r.Slot > 0 {
		out.Slot = strconv.FormatUint(r.Slot, 10)
	}
	if r.Timestamp > 0 {
		out.CompletedAt = time.UnixMilli(r.Timestamp).UTC()
	}
	if out.ExecutedPrice.IsZero() && r.AmountIn > 0 {
		out.ExecutedPrice = r.AmountOut.Div(decimal.NewFromInt(r.AmountIn))
	}
	return out
}
