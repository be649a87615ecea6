// Package analysis races a fast primary analyzer against a slower fallback
// and adopts whichever produces a usable decision first. The loser is
// cancelled cooperatively through its context; it may still run to completion
// but its result is discarded.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/planrun/internal/marketdata"
	"github.com/sawpanic/planrun/internal/plan"
)

// DefaultDeadline bounds the whole race.
const DefaultDeadline = 15 * time.Second

// Action is an analyzer's recommendation for a satisfied plan.
type Action string

const (
	ActionProceed Action = "proceed"
	ActionHold    Action = "hold"
)

// Decision is a structured analysis result. Method names the analyzer that
// produced it; Degraded marks decisions from the last-resort synchronous path.
type Decision struct {
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Method     string  `json:"method"`
	Degraded   bool    `json:"degraded"`
}

// Request is the input both analyzers receive.
type Request struct {
	Plan     *plan.TradePlan
	Snapshot *marketdata.Snapshot
}

// Analyzer produces a decision for a plan that is about to execute.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, req Request) (*Decision, error)
}

// Racer runs the dual-strategy race.
type Racer struct {
	primary  Analyzer
	fallback Analyzer
	deadline time.Duration
}

// NewRacer builds a racer; deadline <= 0 uses DefaultDeadline.
func NewRacer(primary, fallback Analyzer, deadline time.Duration) *Racer {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Racer{primary: primary, fallback: fallback, deadline: deadline}
}

// Decide submits both analyzers concurrently and adopts the first success,
// tagged with the winner's method name. If both fail the first error is
// propagated. If the race apparatus itself panics, one final synchronous call
// of the primary guarantees the caller a structured result.
func (r *Racer) Decide(ctx context.Context, req Request) (dec *Decision, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("analysis race panicked, falling back to synchronous primary")
			dec, err = r.degradedPrimary(ctx, req)
		}
	}()

	raceCtx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	type outcome struct {
		dec  *Decision
		err  error
		name string
	}
	results := make(chan outcome, 2)
	launch := func(a Analyzer) {
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					results <- outcome{err: fmt.Errorf("analyzer %s panicked: %v", a.Name(), rec), name: a.Name()}
				}
			}()
			d, aerr := a.Analyze(raceCtx, req)
			if aerr == nil && d != nil {
				d.Method = a.Name()
			}
			results <- outcome{dec: d, err: aerr, name: a.Name()}
		}()
	}
	launch(r.primary)
	launch(r.fallback)

	var firstErr error
	for i := 0; i < 2; i++ {
		select {
		case <-raceCtx.Done():
			if firstErr == nil {
				firstErr = fmt.Errorf("analysis race deadline exceeded: %w", raceCtx.Err())
			}
			return nil, firstErr
		case out := <-results:
			if out.err == nil && out.dec != nil {
				cancel() // cooperative cancel of the loser
				return out.dec, nil
			}
			log.Debug().Err(out.err).Str("analyzer", out.name).Msg("analyzer failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("analyzer %s: %w", out.name, out.err)
			}
		}
	}
	return nil, firstErr
}

// degradedPrimary is the last-resort path: one synchronous primary call with
// its own timeout, returning a degraded hold decision if even that fails.
func (r *Racer) degradedPrimary(ctx context.Context, req Request) (*Decision, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	d, err := r.primary.Analyze(callCtx, req)
	if err != nil || d == nil {
		return &Decision{
			Action:   ActionHold,
			Reason:   fmt.Sprintf("analysis unavailable: %v", err),
			Method:   r.primary.Name(),
			Degraded: true,
		}, nil
	}
	d.Method = r.primary.Name()
	d.Degraded = true
	return d, nil
}
