package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// PartialLevel is one rung of the partial-sell ladder: once the multiplier
// reaches Multiplier, sell Fraction of the remaining quantity.
type PartialLevel struct {
	Multiplier decimal.Decimal `json:"multiplier"`
	Fraction   decimal.Decimal `json:"fraction"`
}

// ExecutionParams are passed through to the execution adapter unmodified.
type ExecutionParams struct {
	SlippageBps int             `json:"slippage_bps"`
	PriorityFee decimal.Decimal `json:"priority_fee"`
	TipFee      decimal.Decimal `json:"tip_fee"`
}

// ExitPolicy is the per-position exit configuration.
type ExitPolicy struct {
	TakeProfitMultiplier decimal.Decimal `json:"take_profit_multiplier"`
	StopLossPercent      decimal.Decimal `json:"stop_loss_percent"`
	TrailingStopEnabled  bool            `json:"trailing_stop_enabled"`
	TrailingStopPercent  decimal.Decimal `json:"trailing_stop_percent"`
	TimeBasedEnabled     bool            `json:"time_based_enabled"`
	TimeLimitMinutes     int             `json:"time_limit_minutes"`
	PartialSellEnabled   bool            `json:"partial_sell_enabled"`
	PartialLevels        []PartialLevel  `json:"partial_levels"`
	Execution            ExecutionParams `json:"execution"`
}

// Clone returns a copy with its own ladder slice.
func (p ExitPolicy) Clone() ExitPolicy {
	out := p
	out.PartialLevels = append([]PartialLevel(nil), p.PartialLevels...)
	return out
}

// PolicyOverrides carries optional replacements for a default ExitPolicy.
// Nil fields keep the default.
type PolicyOverrides struct {
	TakeProfitMultiplier *decimal.Decimal `json:"take_profit_multiplier,omitempty"`
	StopLossPercent      *decimal.Decimal `json:"stop_loss_percent,omitempty"`
	TrailingStopEnabled  *bool            `json:"trailing_stop_enabled,omitempty"`
	TrailingStopPercent  *decimal.Decimal `json:"trailing_stop_percent,omitempty"`
	TimeBasedEnabled     *bool            `json:"time_based_enabled,omitempty"`
	TimeLimitMinutes     *int             `json:"time_limit_minutes,omitempty"`
	PartialSellEnabled   *bool            `json:"partial_sell_enabled,omitempty"`
	PartialLevels        []PartialLevel   `json:"partial_levels,omitempty"`
	SlippageBps          *int             `json:"slippage_bps,omitempty"`
	PriorityFee          *decimal.Decimal `json:"priority_fee,omitempty"`
	TipFee               *decimal.Decimal `json:"tip_fee,omitempty"`
}

// Apply returns base with every non-nil override applied.
func (o PolicyOverrides) Apply(base ExitPolicy) ExitPolicy {
	out := base.Clone()
	if o.TakeProfitMultiplier != nil {
		out.TakeProfitMultiplier = *o.TakeProfitMultiplier
	}
	if o.StopLossPercent != nil {
		out.StopLossPercent = *o.StopLossPercent
	}
	if o.TrailingStopEnabled != nil {
		out.TrailingStopEnabled = *o.TrailingStopEnabled
	}
	if o.TrailingStopPercent != nil {
		out.TrailingStopPercent = *o.TrailingStopPercent
	}
	if o.TimeBasedEnabled != nil {
		out.TimeBasedEnabled = *o.TimeBasedEnabled
	}
	if o.TimeLimitMinutes != nil {
		out.TimeLimitMinutes = *o.TimeLimitMinutes
	}
	if o.PartialSellEnabled != nil {
		out.PartialSellEnabled = *o.PartialSellEnabled
	}
	if len(o.PartialLevels) > 0 {
		out.PartialLevels = append([]PartialLevel(nil), o.PartialLevels...)
	}
	if o.SlippageBps != nil {
		out.Execution.SlippageBps = *o.SlippageBps
	}
	if o.PriorityFee != nil {
		out.Execution.PriorityFee = *o.PriorityFee
	}
	if o.TipFee != nil {
		out.Execution.TipFee = *o.TipFee
	}
	return out
}

var one = decimal.NewFromInt(1)

// Validate checks the policy for values the trigger formulas cannot use and
// returns every problem found in one error.
func (p ExitPolicy) Validate() error {
	var errs []string

	if !p.TakeProfitMultiplier.GreaterThan(one) {
		errs = append(errs, "take_profit_multiplier must be > 1")
	}
	if !p.StopLossPercent.IsPositive() || !p.StopLossPercent.LessThan(one) {
		errs = append(errs, "stop_loss_percent must be in (0, 1)")
	}
	if p.TrailingStopEnabled && (!p.TrailingStopPercent.IsPositive() || !p.TrailingStopPercent.LessThan(one)) {
		errs = append(errs, "trailing_stop_percent must be in (0, 1) when enabled")
	}
	if p.TimeBasedEnabled && p.TimeLimitMinutes <= 0 {
		errs = append(errs, "time_limit_minutes must be > 0 when enabled")
	}
	if p.PartialSellEnabled {
		if len(p.PartialLevels) == 0 {
			errs = append(errs, "partial_levels must not be empty when partial sells are enabled")
		}
		for i, lvl := range p.PartialLevels {
			if !lvl.Multiplier.GreaterThan(one) {
				errs = append(errs, fmt.Sprintf("partial_levels[%d]: multiplier must be > 1", i))
			}
			if !lvl.Fraction.IsPositive() || lvl.Fraction.GreaterThan(one) {
				errs = append(errs, fmt.Sprintf("partial_levels[%d]: fraction must be in (0, 1]", i))
			}
		}
	}
	if p.Execution.SlippageBps < 0 || p.Execution.SlippageBps > 10000 {
		errs = append(errs, "execution.slippage_bps must be 0-10000")
	}
	if p.Execution.PriorityFee.IsNegative() || p.Execution.TipFee.IsNegative() {
		errs = append(errs, "execution fees must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPolicy, strings.Join(errs, "; "))
	}
	return nil
}

// DefaultExitPolicy returns the built-in policy used when configuration
// supplies none: take profit at 2x, stop loss at -50%, everything else off.
func DefaultExitPolicy() ExitPolicy {
	return ExitPolicy{
		TakeProfitMultiplier: decimal.NewFromInt(2),
		StopLossPercent:      decimal.RequireFromString("0.5"),
		TrailingStopPercent:  decimal.RequireFromString("0.2"),
		TimeLimitMinutes:     60,
		PartialLevels: []PartialLevel{
			{Multiplier: decimal.NewFromInt(2), Fraction: decimal.RequireFromString("0.25")},
			{Multiplier: decimal.NewFromInt(4), Fraction: decimal.RequireFromString("0.5")},
			{Multiplier: decimal.NewFromInt(10), Fraction: decimal.NewFromInt(1)},
		},
		Execution: ExecutionParams{
			SlippageBps: 500,
			PriorityFee: decimal.RequireFromString("0.0001"),
			TipFee:      decimal.RequireFromString("0.0001"),
		},
	}
}
