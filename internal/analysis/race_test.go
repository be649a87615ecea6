package analysis

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/planrun/internal/marketdata"
	"github.com/sawpanic/planrun/internal/plan"
)

// stubAnalyzer waits for its delay, then returns its canned decision or error.
type stubAnalyzer struct {
	name      string
	delay     time.Duration
	decision  *Decision
	err       error
	panics    bool
	cancelled atomic.Bool
}

func (s *stubAnalyzer) Name() string { return s.name }

func (s *stubAnalyzer) Analyze(ctx context.Context, _ Request) (*Decision, error) {
	if s.panics {
		panic("analyzer blew up")
	}
	select {
	case <-ctx.Done():
		s.cancelled.Store(true)
		return nil, ctx.Err()
	case <-time.After(s.delay):
	}
	if s.err != nil {
		return nil, s.err
	}
	d := *s.decision
	return &d, nil
}

func proceed(conf float64) *Decision {
	return &Decision{Action: ActionProceed, Confidence: conf, Reason: "ok"}
}

func TestDecideFirstSuccessWinsAndIsTagged(t *testing.T) {
	fast := &stubAnalyzer{name: "fast", delay: 10 * time.Millisecond, decision: proceed(0.9)}
	slow := &stubAnalyzer{name: "slow", delay: 500 * time.Millisecond, decision: proceed(0.5)}
	r := NewRacer(fast, slow, time.Second)

	dec, err := r.Decide(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "fast", dec.Method)
	assert.Equal(t, ActionProceed, dec.Action)

	// The loser's context is cancelled best-effort.
	assert.Eventually(t, slow.cancelled.Load, time.Second, 10*time.Millisecond)
}

func TestDecideFallbackWinsWhenPrimaryIsSlow(t *testing.T) {
	slowPrimary := &stubAnalyzer{name: "primary", delay: 500 * time.Millisecond, decision: proceed(0.9)}
	fallback := &stubAnalyzer{name: "fallback", delay: 10 * time.Millisecond, decision: proceed(0.6)}
	r := NewRacer(slowPrimary, fallback, time.Second)

	dec, err := r.Decide(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", dec.Method)
}

func TestDecidePrimaryFailureAdoptsFallback(t *testing.T) {
	failing := &stubAnalyzer{name: "primary", delay: time.Millisecond, err: errors.New("no data")}
	fallback := &stubAnalyzer{name: "fallback", delay: 50 * time.Millisecond, decision: proceed(0.6)}
	r := NewRacer(failing, fallback, time.Second)

	dec, err := r.Decide(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", dec.Method)
}

func TestDecideBothFailReturnsFirstError(t *testing.T) {
	first := &stubAnalyzer{name: "primary", delay: time.Millisecond, err: errors.New("primary broke")}
	second := &stubAnalyzer{name: "fallback", delay: 20 * time.Millisecond, err: errors.New("fallback broke")}
	r := NewRacer(first, second, time.Second)

	_, err := r.Decide(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary broke")
}

func TestDecideDeadline(t *testing.T) {
	slow := &stubAnalyzer{name: "slow", delay: time.Second, decision: proceed(0.9)}
	slower := &stubAnalyzer{name: "slower", delay: 2 * time.Second, decision: proceed(0.9)}
	r := NewRacer(slow, slower, 50*time.Millisecond)

	start := time.Now()
	_, err := r.Decide(context.Background(), Request{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDecideSurvivesAnalyzerPanic(t *testing.T) {
	panicky := &stubAnalyzer{name: "panicky", panics: true}
	fallback := &stubAnalyzer{name: "fallback", delay: 10 * time.Millisecond, decision: proceed(0.6)}
	r := NewRacer(panicky, fallback, time.Second)

	dec, err := r.Decide(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", dec.Method)
}

func TestConfluenceAnalyzer(t *testing.T) {
	a := &ConfluenceAnalyzer{}
	snap := &marketdata.Snapshot{
		Symbol: "XAUUSD",
		Price:  2400,
		Frames: map[marketdata.Timeframe]*marketdata.Frame{
			marketdata.M15: {Signals: map[string]bool{"liquidity_sweep": true, "bos": true}},
		},
	}

	dec, err := a.Analyze(context.Background(), Request{Snapshot: snap})
	require.NoError(t, err)
	assert.Equal(t, ActionProceed, dec.Action)
	assert.InDelta(t, 0.4, dec.Confidence, 0.001)

	// No active signals: hold.
	snap.Frames[marketdata.M15].Signals = map[string]bool{"bos": false}
	dec, err = a.Analyze(context.Background(), Request{Snapshot: snap})
	require.NoError(t, err)
	assert.Equal(t, ActionHold, dec.Action)

	_, err = a.Analyze(context.Background(), Request{})
	assert.Error(t, err)
}

func TestFlowAnalyzer(t *testing.T) {
	buyPlan := &plan.TradePlan{Direction: plan.DirectionBuy}
	snapFor := func(slope, delta float64) *marketdata.Snapshot {
		return &marketdata.Snapshot{
			Symbol: "XAUUSD",
			Frames: map[marketdata.Timeframe]*marketdata.Frame{
				marketdata.M15: {Flow: marketdata.OrderFlow{CVDSlope: slope, DeltaVolume: delta}},
			},
		}
	}

	a := &FlowAnalyzer{}
	dec, err := a.Analyze(context.Background(), Request{Plan: buyPlan, Snapshot: snapFor(1.0, 50)})
	require.NoError(t, err)
	assert.Equal(t, ActionProceed, dec.Action)

	// Flow firmly against a BUY: hold.
	dec, err = a.Analyze(context.Background(), Request{Plan: buyPlan, Snapshot: snapFor(-1.0, -50)})
	require.NoError(t, err)
	assert.Equal(t, ActionHold, dec.Action)
}
