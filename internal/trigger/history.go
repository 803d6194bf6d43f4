package trigger

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/natebag/trenchtools/internal/domain"
)

// DefaultHistoryCapacity is the number of points kept per position.
const DefaultHistoryCapacity = 100

// History keeps a bounded rolling window of recent prices for each position.
// It feeds analytics only; no trigger formula reads it.
type History struct {
	capacity int
	points   map[string][]domain.PricePoint
	mu       sync.RWMutex
}

// NewHistory creates a History holding at most capacity points per position.
// A non-positive capacity selects DefaultHistoryCapacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{
		capacity: capacity,
		points:   make(map[string][]domain.PricePoint),
	}
}

// Record appends a point for positionID, evicting the oldest once full.
func (h *History) Record(positionID string, pt domain.PricePoint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	pts := append(h.points[positionID], pt)
	if over := len(pts) - h.capacity; over > 0 {
		pts = append(pts[:0:0], pts[over:]...)
	}
	h.points[positionID] = pts
}

// Get returns a copy of the recorded points, oldest first.
func (h *History) Get(positionID string) []domain.PricePoint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	src := h.points[positionID]
	if len(src) == 0 {
		return nil
	}
	out := make([]domain.PricePoint, len(src))
	copy(out, src)
	return out
}

// Forget drops all history for positionID.
func (h *History) Forget(positionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.points, positionID)
}

// Average returns the mean price in the window, or zero when empty.
func (h *History) Average(positionID string) decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return mean(h.points[positionID])
}

// Volatility returns the population standard deviation of prices in the
// window. Fewer than two points yield zero.
func (h *History) Volatility(positionID string) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	pts := h.points[positionID]
	if len(pts) < 2 {
		return 0
	}
	avg := mean(pts)
	variance := decimal.Zero
	for _, p := range pts {
		d := p.Price.Sub(avg)
		variance = variance.Add(d.Mul(d))
	}
	variance = variance.Div(decimal.NewFromInt(int64(len(pts))))
	return math.Sqrt(variance.InexactFloat64())
}

// DropFromAverage returns how far the latest price sits below the average of
// the preceding points, as a fraction. It is zero when the latest price is at
// or above that average.
func (h *History) DropFromAverage(positionID string) decimal.Decimal {
	h.mu.RLock()
	defer h.mu.RUnlock()

	pts := h.points[positionID]
	if len(pts) < 2 {
		return decimal.Zero
	}
	avg := mean(pts[:len(pts)-1])
	if avg.IsZero() {
		return decimal.Zero
	}
	drop := avg.Sub(pts[len(pts)-1].Price).Div(avg)
	if drop.IsNegative() {
		return decimal.Zero
	}
	return drop
}

func mean(pts []domain.PricePoint) decimal.Decimal {
	if len(pts) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, p := range pts {
		sum = sum.Add(p.Price)
	}
	return sum.Div(decimal.NewFromInt(int64(len(pts))))
}
