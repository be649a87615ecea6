// Package engine runs the monitor loop that turns PENDING plans into orders,
// and the watchdog that keeps the loop alive.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/planrun/internal/analysis"
	"github.com/sawpanic/planrun/internal/conditions"
	"github.com/sawpanic/planrun/internal/execution"
	"github.com/sawpanic/planrun/internal/marketdata"
	"github.com/sawpanic/planrun/internal/plan"
	"github.com/sawpanic/planrun/internal/store"
	"github.com/sawpanic/planrun/internal/telemetry"
)

// MarketSource produces evaluated snapshots for a symbol. Satisfied by
// *marketdata.Gateway.
type MarketSource interface {
	Snapshot(ctx context.Context, symbol string, timeframes []marketdata.Timeframe, count int) (*marketdata.Snapshot, error)
}

// LoopConfig tunes the monitor loop.
type LoopConfig struct {
	Interval    time.Duration
	Timeframes  []marketdata.Timeframe
	CandleCount int
}

// DefaultLoopConfig returns the production defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Interval:    30 * time.Second,
		Timeframes:  []marketdata.Timeframe{marketdata.M1, marketdata.M5, marketdata.M15, marketdata.H1},
		CandleCount: 100,
	}
}

// Loop evaluates pending plans on a fixed ticker. Each plan is processed
// inside its own recover boundary so one bad plan cannot take down a cycle,
// and all status transitions go through repository compare-and-swap so
// overlapping cycles cannot double-fire.
type Loop struct {
	cfg     LoopConfig
	repo    store.Repo
	market  MarketSource
	eval    *conditions.Evaluator
	exec    execution.Gateway
	racer   *analysis.Racer // optional pre-execution gate
	metrics *telemetry.Metrics
	now     func() time.Time

	heartbeat atomic.Int64 // unix nanos of last completed cycle
	alive     atomic.Bool
}

// NewLoop wires a monitor loop. racer may be nil to execute without the
// analysis gate.
func NewLoop(cfg LoopConfig, repo store.Repo, market MarketSource, eval *conditions.Evaluator,
	exec execution.Gateway, racer *analysis.Racer, metrics *telemetry.Metrics) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.CandleCount <= 0 {
		cfg.CandleCount = 100
	}
	if len(cfg.Timeframes) == 0 {
		cfg.Timeframes = DefaultLoopConfig().Timeframes
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	l := &Loop{
		cfg:     cfg,
		repo:    repo,
		market:  market,
		eval:    eval,
		exec:    exec,
		racer:   racer,
		metrics: metrics,
		now:     time.Now,
	}
	l.heartbeat.Store(time.Now().UnixNano())
	return l
}

// Interval returns the configured cycle interval.
func (l *Loop) Interval() time.Duration { return l.cfg.Interval }

// Heartbeat returns the time the last cycle completed.
func (l *Loop) Heartbeat() time.Time { return time.Unix(0, l.heartbeat.Load()) }

// Alive reports whether the loop goroutine is still running.
func (l *Loop) Alive() bool { return l.alive.Load() }

// Run drives cycles until the context is cancelled. The current cycle always
// completes; cancellation only stops scheduling new ones. A panic escaping a
// cycle kills this loop instance, not the process: Run recovers, drops the
// alive flag, and leaves the restart to the watchdog.
func (l *Loop) Run(ctx context.Context) {
	l.alive.Store(true)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("monitor loop died, awaiting watchdog restart")
		}
		l.alive.Store(false)
	}()

	log.Info().Dur("interval", l.cfg.Interval).Msg("monitor loop started")
	l.Cycle(ctx)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("monitor loop stopped")
			return
		case <-ticker.C:
			l.Cycle(ctx)
		}
	}
}

// Cycle evaluates every pending plan once and stamps the heartbeat.
func (l *Loop) Cycle(ctx context.Context) {
	start := time.Now()
	defer func() {
		l.heartbeat.Store(time.Now().UnixNano())
		l.metrics.MonitorCycles.Inc()
		l.metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	plans, err := l.repo.ListPending(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to list pending plans")
		return
	}
	l.metrics.PendingPlans.Set(float64(len(plans)))

	for _, p := range plans {
		select {
		case <-ctx.Done():
			return
		default:
		}
		l.processPlan(ctx, p)
	}
}

// processPlan is the per-plan error boundary: a panic here is logged and the
// cycle moves on to the next plan.
func (l *Loop) processPlan(ctx context.Context, p *plan.TradePlan) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("plan_id", p.PlanID).
				Msg("plan processing panicked, skipping plan this cycle")
		}
	}()

	now := l.now()
	if p.Expired(now) {
		l.expire(ctx, p)
		return
	}

	snap, err := l.market.Snapshot(ctx, p.Symbol, l.cfg.Timeframes, l.cfg.CandleCount)
	if err != nil {
		// Unavailable data is never a trade signal. Try again next cycle.
		log.Debug().Err(err).Str("plan_id", p.PlanID).Str("symbol", p.Symbol).
			Msg("market data unavailable, skipping plan this cycle")
		return
	}

	res := l.eval.Evaluate(p.StrategyType, p.Conditions, snap, conditions.Aux{Now: now})
	switch res.Outcome {
	case conditions.Satisfied:
		l.execute(ctx, p, snap, res)
	case conditions.Invalid:
		l.fail(ctx, p, res.Reason)
	default:
		// NotYet: leave the plan pending.
	}
}

func (l *Loop) expire(ctx context.Context, p *plan.TradePlan) {
	ok, err := l.repo.CASStatus(ctx, p.PlanID, plan.StatusPending, plan.StatusExpired)
	if err != nil {
		log.Warn().Err(err).Str("plan_id", p.PlanID).Msg("failed to expire plan")
		return
	}
	if ok {
		l.metrics.PlanTransitions.WithLabelValues(string(plan.StatusExpired)).Inc()
		log.Info().Str("plan_id", p.PlanID).Str("symbol", p.Symbol).Msg("plan expired")
	}
}

// fail terminally marks a plan whose conditions can never be satisfied.
func (l *Loop) fail(ctx context.Context, p *plan.TradePlan, reason string) {
	ok, err := l.repo.CASStatus(ctx, p.PlanID, plan.StatusPending, plan.StatusFailed)
	if err != nil || !ok {
		return
	}
	if err := l.repo.RecordFailure(ctx, p.PlanID, reason, l.now()); err != nil {
		log.Warn().Err(err).Str("plan_id", p.PlanID).Msg("failed to record failure reason")
	}
	l.metrics.PlanTransitions.WithLabelValues(string(plan.StatusFailed)).Inc()
	log.Warn().Str("plan_id", p.PlanID).Str("reason", reason).Msg("plan conditions invalid, plan failed")
}

// execute claims the plan and places its order. The claim is the
// exactly-once gate: whichever cycle wins the compare-and-swap owns the
// single PlaceOrder call.
func (l *Loop) execute(ctx context.Context, p *plan.TradePlan, snap *marketdata.Snapshot, res conditions.Result) {
	comment := res.Reason
	if l.racer != nil {
		dec, err := l.racer.Decide(ctx, analysis.Request{Plan: p, Snapshot: snap})
		if err != nil {
			log.Warn().Err(err).Str("plan_id", p.PlanID).
				Msg("analysis race failed, holding plan this cycle")
			return
		}
		l.metrics.AnalysisOutcomes.WithLabelValues(dec.Method).Inc()
		if dec.Action != analysis.ActionProceed {
			log.Info().Str("plan_id", p.PlanID).Str("method", dec.Method).
				Str("reason", dec.Reason).Msg("analysis held plan")
			return
		}
		comment = dec.Method
	}

	claimed, err := l.repo.CASStatus(ctx, p.PlanID, plan.StatusPending, plan.StatusExecuted)
	if err != nil {
		log.Warn().Err(err).Str("plan_id", p.PlanID).Msg("failed to claim plan")
		return
	}
	if !claimed {
		// Another cycle already owns this plan.
		return
	}

	result, err := l.exec.PlaceOrder(ctx, execution.OrderRequest{
		PlanID:     p.PlanID,
		Symbol:     p.Symbol,
		Direction:  p.Direction,
		EntryPrice: p.EntryPrice,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		Volume:     p.Volume,
		Comment:    comment,
	})
	if err != nil {
		if execution.Rejected(err) {
			// The broker saw the order and refused it: terminal failure.
			if recErr := l.repo.RecordFailure(ctx, p.PlanID, err.Error(), l.now()); recErr != nil {
				log.Error().Err(recErr).Str("plan_id", p.PlanID).Msg("failed to record rejection")
			}
			l.metrics.OrderFailures.WithLabelValues("rejected").Inc()
			l.metrics.PlanTransitions.WithLabelValues(string(plan.StatusFailed)).Inc()
			log.Warn().Err(err).Str("plan_id", p.PlanID).Msg("order rejected")
			return
		}
		// Transport failure before the broker acknowledged anything: release
		// the claim so a later cycle retries.
		if _, rbErr := l.repo.CASStatus(ctx, p.PlanID, plan.StatusExecuted, plan.StatusPending); rbErr != nil {
			log.Error().Err(rbErr).Str("plan_id", p.PlanID).Msg("failed to roll back claim")
		}
		l.metrics.OrderFailures.WithLabelValues("transport").Inc()
		log.Warn().Err(err).Str("plan_id", p.PlanID).Msg("order placement failed, plan released for retry")
		return
	}

	if err := l.repo.RecordExecution(ctx, p.PlanID, result.Ticket, result.PlacedAt); err != nil {
		log.Error().Err(err).Str("plan_id", p.PlanID).Str("ticket", result.Ticket).
			Msg("order placed but execution record failed")
	}
	l.metrics.OrdersPlaced.Inc()
	l.metrics.PlanTransitions.WithLabelValues(string(plan.StatusExecuted)).Inc()
	log.Info().Str("plan_id", p.PlanID).Str("symbol", p.Symbol).
		Str("ticket", result.Ticket).Float64("price", result.Price).
		Msg("plan executed")
}
