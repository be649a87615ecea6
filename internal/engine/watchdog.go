package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/planrun/internal/plan"
	"github.com/sawpanic/planrun/internal/store"
	"github.com/sawpanic/planrun/internal/telemetry"
)

// staleMultiplier: a heartbeat older than this many loop intervals means the
// loop is wedged even if its goroutine is technically alive.
const staleMultiplier = 3

// WatchdogStatus is the supervisor's externally visible state.
type WatchdogStatus struct {
	Running       bool          `json:"running"`
	LoopAlive     bool          `json:"loop_alive"`
	PendingCount  int           `json:"pending_count"`
	CheckInterval time.Duration `json:"check_interval"`
	LastRestartAt *time.Time    `json:"last_restart_at,omitempty"`
	RestartCount  int           `json:"restart_count"`
}

// Watchdog supervises the monitor loop on an independent ticker. A dead or
// wedged loop is replaced with a fresh instance; restarts go through a
// circuit breaker so a loop that dies immediately on every start trips the
// breaker and restarts pause for a cool-down instead of storming.
type Watchdog struct {
	factory  func() *Loop
	repo     store.Repo
	interval time.Duration
	metrics  *telemetry.Metrics
	breaker  *gobreaker.CircuitBreaker

	mu           sync.Mutex
	loop         *Loop
	cancelLoop   context.CancelFunc
	running      bool
	restartCount int
	lastRestart  *time.Time
}

// NewWatchdog builds a supervisor. factory must return a ready-to-run loop;
// it is called once at start and once per restart.
func NewWatchdog(factory func() *Loop, repo store.Repo, interval time.Duration, metrics *telemetry.Metrics) *Watchdog {
	if interval <= 0 {
		interval = 45 * time.Second
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}
	settings := gobreaker.Settings{
		Name:     "watchdog-restart",
		Interval: 5 * time.Minute,
		Timeout:  2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("restart breaker state changed")
		},
	}
	return &Watchdog{
		factory:  factory,
		repo:     repo,
		interval: interval,
		metrics:  metrics,
		breaker:  gobreaker.NewCircuitBreaker(settings),
	}
}

// Run starts the loop and supervises it until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	w.mu.Lock()
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	w.startLoop(ctx)
	log.Info().Dur("check_interval", w.interval).Msg("watchdog started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.stopLoop()
			log.Info().Msg("watchdog stopped")
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check is the supervisor's own error boundary: a failing restart must never
// kill the watchdog itself.
func (w *Watchdog) check(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("watchdog check panicked")
		}
	}()

	if w.loopHealthy() {
		return
	}

	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, w.restart(ctx)
	})
	if err != nil {
		log.Error().Err(err).Msg("monitor loop restart blocked or failed")
	}
}

// loopHealthy requires a live goroutine and a recent heartbeat.
func (w *Watchdog) loopHealthy() bool {
	w.mu.Lock()
	l := w.loop
	w.mu.Unlock()
	if l == nil || !l.Alive() {
		return false
	}
	return time.Since(l.Heartbeat()) < staleMultiplier*l.Interval()
}

func (w *Watchdog) restart(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	log.Warn().Msg("monitor loop dead or wedged, restarting")

	w.mu.Lock()
	prev := w.lastRestart
	w.mu.Unlock()

	w.stopLoop()
	w.startLoop(ctx)

	now := time.Now()
	w.mu.Lock()
	w.restartCount++
	w.lastRestart = &now
	w.mu.Unlock()
	w.metrics.LoopRestarts.Inc()

	// A loop that needed another restart this soon after the previous one is
	// dying on arrival. Report the restart as failed so consecutive rapid
	// deaths trip the breaker and pause the storm.
	if prev != nil && now.Sub(*prev) < 2*w.interval {
		return fmt.Errorf("loop died again %s after the previous restart", now.Sub(*prev).Round(time.Millisecond))
	}
	return nil
}

func (w *Watchdog) startLoop(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	l := w.factory()

	w.mu.Lock()
	w.loop = l
	w.cancelLoop = cancel
	w.mu.Unlock()

	go l.Run(loopCtx)
}

func (w *Watchdog) stopLoop() {
	w.mu.Lock()
	cancel := w.cancelLoop
	w.cancelLoop = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Status reports supervisor state for the control surface. Pending counts
// come straight from the repository so the answer survives loop restarts.
func (w *Watchdog) Status(ctx context.Context) WatchdogStatus {
	w.mu.Lock()
	st := WatchdogStatus{
		Running:       w.running,
		CheckInterval: w.interval,
		RestartCount:  w.restartCount,
		LastRestartAt: w.lastRestart,
	}
	l := w.loop
	w.mu.Unlock()

	if l != nil {
		st.LoopAlive = l.Alive() && time.Since(l.Heartbeat()) < staleMultiplier*l.Interval()
	}
	if counts, err := w.repo.CountByStatus(ctx); err == nil {
		st.PendingCount = counts[plan.StatusPending]
	}
	return st
}
