package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPlan(now time.Time) *TradePlan {
	return &TradePlan{
		PlanID:       "plan-1",
		Symbol:       "XAUUSD",
		Direction:    DirectionBuy,
		EntryPrice:   2400.0,
		StopLoss:     2390.0,
		TakeProfit:   2420.0,
		Volume:       0.1,
		StrategyType: "liquidity_sweep",
		Conditions:   map[string]interface{}{"price_near": 2400.0},
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(24 * time.Hour),
	}
}

func TestValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		mutate  func(p *TradePlan)
		wantErr string
	}{
		{name: "valid buy", mutate: func(p *TradePlan) {}},
		{name: "valid sell", mutate: func(p *TradePlan) {
			p.Direction = DirectionSell
			p.StopLoss = 2420.0
			p.TakeProfit = 2390.0
		}},
		{name: "empty symbol", mutate: func(p *TradePlan) { p.Symbol = " " }, wantErr: "symbol"},
		{name: "bad direction", mutate: func(p *TradePlan) { p.Direction = "LONG" }, wantErr: "direction"},
		{name: "zero entry", mutate: func(p *TradePlan) { p.EntryPrice = 0 }, wantErr: "entry_price"},
		{name: "zero volume", mutate: func(p *TradePlan) { p.Volume = 0 }, wantErr: "volume"},
		{name: "buy with inverted stops", mutate: func(p *TradePlan) {
			p.StopLoss = 2420.0
			p.TakeProfit = 2390.0
		}, wantErr: "stop_loss/take_profit"},
		{name: "sell with buy geometry", mutate: func(p *TradePlan) {
			p.Direction = DirectionSell
		}, wantErr: "stop_loss/take_profit"},
		{name: "expiry in the past", mutate: func(p *TradePlan) {
			p.ExpiresAt = now.Add(-time.Minute)
		}, wantErr: "expires_at"},
		{name: "no conditions", mutate: func(p *TradePlan) {
			p.Conditions = nil
		}, wantErr: "conditions"},
		{name: "stops optional when zero", mutate: func(p *TradePlan) {
			p.StopLoss = 0
			p.TakeProfit = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPlan(now)
			tt.mutate(p)
			err := p.Validate(now)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Contains(t, vErr.Field, tt.wantErr)
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	for _, s := range []Status{StatusExecuted, StatusExpired, StatusCancelled, StatusFailed} {
		assert.True(t, s.Terminal(), string(s))
	}
	assert.True(t, StatusExecuted.Valid())
	assert.False(t, Status("UNKNOWN").Valid())
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection(" buy ")
	require.NoError(t, err)
	assert.Equal(t, DirectionBuy, d)

	_, err = ParseDirection("hold")
	assert.Error(t, err)
}

func TestExpired(t *testing.T) {
	now := time.Now()
	p := validPlan(now)
	assert.False(t, p.Expired(now))
	assert.True(t, p.Expired(now.Add(25*time.Hour)))

	p.ExpiresAt = time.Time{} // no deadline
	assert.False(t, p.Expired(now.Add(1000*time.Hour)))
}

func TestCloneDoesNotShareConditions(t *testing.T) {
	p := validPlan(time.Now())
	cp := p.Clone()
	cp.Conditions["price_near"] = 9999.0
	assert.Equal(t, 2400.0, p.Conditions["price_near"])
}

func TestUpdateApply(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := validPlan(now)

	entry := 2405.0
	sl := 2395.0
	tp := 2425.0
	notes := "tightened"
	upd := Update{
		PlanID:     p.PlanID,
		EntryPrice: &entry,
		StopLoss:   &sl,
		TakeProfit: &tp,
		Notes:      &notes,
	}
	require.NoError(t, upd.Apply(p, now))
	assert.Equal(t, 2405.0, p.EntryPrice)
	assert.Equal(t, "tightened", p.Notes)
	assert.Equal(t, 0.1, p.Volume) // untouched
}

func TestUpdateApplyRejectsInvalidMerge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := validPlan(now)

	// Moving the stop above entry breaks BUY geometry; the plan must be
	// left untouched.
	badSL := 2410.0
	upd := Update{PlanID: p.PlanID, StopLoss: &badSL}
	err := upd.Apply(p, now)
	require.Error(t, err)
	assert.Equal(t, 2390.0, p.StopLoss)
}
