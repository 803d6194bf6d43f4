package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDefaultExitPolicy_Valid(t *testing.T) {
	require.NoError(t, DefaultExitPolicy().Validate())
}

func TestExitPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *ExitPolicy)
		wantErr string
	}{
		{
			name:    "take profit at 1x",
			mutate:  func(p *ExitPolicy) { p.TakeProfitMultiplier = d("1") },
			wantErr: "take_profit_multiplier",
		},
		{
			name:    "stop loss of 100%",
			mutate:  func(p *ExitPolicy) { p.StopLossPercent = d("1") },
			wantErr: "stop_loss_percent",
		},
		{
			name:    "zero stop loss",
			mutate:  func(p *ExitPolicy) { p.StopLossPercent = decimal.Zero },
			wantErr: "stop_loss_percent",
		},
		{
			name: "trailing stop enabled without percent",
			mutate: func(p *ExitPolicy) {
				p.TrailingStopEnabled = true
				p.TrailingStopPercent = decimal.Zero
			},
			wantErr: "trailing_stop_percent",
		},
		{
			name: "time exit enabled without limit",
			mutate: func(p *ExitPolicy) {
				p.TimeBasedEnabled = true
				p.TimeLimitMinutes = 0
			},
			wantErr: "time_limit_minutes",
		},
		{
			name: "partial sells enabled with empty ladder",
			mutate: func(p *ExitPolicy) {
				p.PartialSellEnabled = true
				p.PartialLevels = nil
			},
			wantErr: "partial_levels must not be empty",
		},
		{
			name: "ladder fraction above one",
			mutate: func(p *ExitPolicy) {
				p.PartialSellEnabled = true
				p.PartialLevels = []PartialLevel{{Multiplier: d("2"), Fraction: d("1.5")}}
			},
			wantErr: "partial_levels[0]: fraction",
		},
		{
			name:    "slippage out of range",
			mutate:  func(p *ExitPolicy) { p.Execution.SlippageBps = 20000 },
			wantErr: "slippage_bps",
		},
		{
			name:   "disabled trailing stop ignores its percent",
			mutate: func(p *ExitPolicy) { p.TrailingStopPercent = decimal.Zero },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultExitPolicy()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPolicy))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExitPolicy_ValidateReportsEveryProblem(t *testing.T) {
	p := DefaultExitPolicy()
	p.TakeProfitMultiplier = d("0.5")
	p.StopLossPercent = d("2")

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "take_profit_multiplier")
	assert.Contains(t, err.Error(), "stop_loss_percent")
}

func TestPolicyOverrides_Apply(t *testing.T) {
	base := DefaultExitPolicy()
	tp := d("3")
	trailing := true
	slippage := 900

	out := PolicyOverrides{
		TakeProfitMultiplier: &tp,
		TrailingStopEnabled:  &trailing,
		SlippageBps:          &slippage,
		PartialLevels:        []PartialLevel{{Multiplier: d("5"), Fraction: d("0.5")}},
	}.Apply(base)

	assert.True(t, out.TakeProfitMultiplier.Equal(tp))
	assert.True(t, out.TrailingStopEnabled)
	assert.Equal(t, 900, out.Execution.SlippageBps)
	require.Len(t, out.PartialLevels, 1)
	assert.True(t, out.PartialLevels[0].Multiplier.Equal(d("5")))

	// untouched fields keep the base values
	assert.True(t, out.StopLossPercent.Equal(base.StopLossPercent))
	assert.True(t, out.Execution.TipFee.Equal(base.Execution.TipFee))

	// base is not modified
	assert.True(t, base.TakeProfitMultiplier.Equal(d("2")))
	assert.Len(t, base.PartialLevels, 3)
}

func TestExitPolicy_CloneDetachesLadder(t *testing.T) {
	p := DefaultExitPolicy()
	c := p.Clone()
	c.PartialLevels[0].Fraction = d("0.9")
	assert.True(t, p.PartialLevels[0].Fraction.Equal(d("0.25")))
}
