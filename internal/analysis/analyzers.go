package analysis

import (
	"context"
	"fmt"

	"github.com/sawpanic/planrun/internal/marketdata"
	"github.com/sawpanic/planrun/internal/plan"
)

// ConfluenceAnalyzer is the fast primary: it scores the structural signals
// present in the snapshot and proceeds when enough of them line up.
type ConfluenceAnalyzer struct {
	Timeframe marketdata.Timeframe // preferred frame, falls back to any
	MinScore  float64              // hold below this score, default 20
}

// Name implements Analyzer.
func (a *ConfluenceAnalyzer) Name() string { return "confluence" }

// Analyze implements Analyzer.
func (a *ConfluenceAnalyzer) Analyze(ctx context.Context, req Request) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Snapshot == nil {
		return nil, fmt.Errorf("no snapshot available")
	}
	frame := a.pickFrame(req.Snapshot)
	if frame == nil {
		return nil, fmt.Errorf("no frame data for %s", req.Snapshot.Symbol)
	}

	score := 0.0
	for _, active := range frame.Signals {
		if active {
			score += 20
		}
	}
	if score > 100 {
		score = 100
	}

	minScore := a.MinScore
	if minScore <= 0 {
		minScore = 20
	}
	if score < minScore {
		return &Decision{
			Action:     ActionHold,
			Confidence: score / 100,
			Reason:     fmt.Sprintf("confluence score %.0f below %.0f", score, minScore),
		}, nil
	}
	return &Decision{
		Action:     ActionProceed,
		Confidence: score / 100,
		Reason:     fmt.Sprintf("confluence score %.0f", score),
	}, nil
}

func (a *ConfluenceAnalyzer) pickFrame(snap *marketdata.Snapshot) *marketdata.Frame {
	if a.Timeframe != "" {
		if f, ok := snap.Frame(a.Timeframe); ok {
			return f
		}
	}
	if f, ok := snap.Frame(marketdata.M15); ok {
		return f
	}
	for _, f := range snap.Frames {
		return f
	}
	return nil
}

// FlowAnalyzer is the slower fallback: it checks that aggregate order flow
// does not contradict the plan's direction.
type FlowAnalyzer struct {
	Timeframe marketdata.Timeframe
}

// Name implements Analyzer.
func (a *FlowAnalyzer) Name() string { return "order_flow" }

// Analyze implements Analyzer.
func (a *FlowAnalyzer) Analyze(ctx context.Context, req Request) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Snapshot == nil || req.Plan == nil {
		return nil, fmt.Errorf("insufficient input for flow analysis")
	}
	tf := a.Timeframe
	if tf == "" {
		tf = marketdata.M15
	}
	frame, ok := req.Snapshot.Frame(tf)
	if !ok {
		return nil, fmt.Errorf("no %s frame for %s", tf, req.Snapshot.Symbol)
	}

	flow := frame.Flow
	against := (req.Plan.Direction == plan.DirectionBuy && flow.CVDSlope < 0 && flow.DeltaVolume < 0) ||
		(req.Plan.Direction == plan.DirectionSell && flow.CVDSlope > 0 && flow.DeltaVolume > 0)
	if against {
		return &Decision{
			Action:     ActionHold,
			Confidence: 0.5,
			Reason: fmt.Sprintf("order flow against %s: cvd_slope=%.2f delta=%.2f",
				req.Plan.Direction, flow.CVDSlope, flow.DeltaVolume),
		}, nil
	}
	return &Decision{
		Action:     ActionProceed,
		Confidence: 0.6,
		Reason:     "order flow neutral or confirming",
	}, nil
}
