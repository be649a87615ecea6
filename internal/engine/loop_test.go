package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/planrun/internal/conditions"
	"github.com/sawpanic/planrun/internal/execution"
	"github.com/sawpanic/planrun/internal/marketdata"
	"github.com/sawpanic/planrun/internal/plan"
	"github.com/sawpanic/planrun/internal/store"
	"github.com/sawpanic/planrun/internal/telemetry"
)

// fakeMarket serves canned snapshots per symbol.
type fakeMarket struct {
	mu    sync.Mutex
	snaps map[string]*marketdata.Snapshot
	errs  map[string]error
	panic map[string]bool
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		snaps: make(map[string]*marketdata.Snapshot),
		errs:  make(map[string]error),
		panic: make(map[string]bool),
	}
}

func (m *fakeMarket) Snapshot(_ context.Context, symbol string, _ []marketdata.Timeframe, _ int) (*marketdata.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panic[symbol] {
		panic("market source exploded")
	}
	if err, ok := m.errs[symbol]; ok {
		return nil, err
	}
	snap, ok := m.snaps[symbol]
	if !ok {
		return nil, marketdata.ErrUnavailable
	}
	return snap, nil
}

func (m *fakeMarket) setSnapshot(symbol string, price float64, signals map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[symbol] = &marketdata.Snapshot{
		Symbol: symbol,
		Price:  price,
		At:     time.Now(),
		Frames: map[marketdata.Timeframe]*marketdata.Frame{
			marketdata.M15: {Signals: signals},
		},
	}
}

// scriptedGateway counts placements and fails on demand.
type scriptedGateway struct {
	placed   atomic.Int64
	closed   atomic.Int64
	placeErr error
	closeErr error
}

func (g *scriptedGateway) PlaceOrder(_ context.Context, req execution.OrderRequest) (*execution.OrderResult, error) {
	if g.placeErr != nil {
		return nil, g.placeErr
	}
	n := g.placed.Add(1)
	return &execution.OrderResult{Ticket: fmt.Sprintf("T-%d", n), Price: req.EntryPrice, PlacedAt: time.Now()}, nil
}

func (g *scriptedGateway) CloseOrder(_ context.Context, _ string) (*execution.CloseResult, error) {
	if g.closeErr != nil {
		return nil, g.closeErr
	}
	g.closed.Add(1)
	return &execution.CloseResult{ExitPrice: 2410.0, Profit: 50.0, ClosedAt: time.Now()}, nil
}

func pendingPlan(id, symbol string) *plan.TradePlan {
	now := time.Now()
	return &plan.TradePlan{
		PlanID:       id,
		Symbol:       symbol,
		Direction:    plan.DirectionBuy,
		EntryPrice:   2400.0,
		StopLoss:     2390.0,
		TakeProfit:   2420.0,
		Volume:       0.1,
		StrategyType: "liquidity_sweep",
		Conditions: map[string]interface{}{
			conditions.KeyLiquiditySweep: true,
			conditions.KeyPriceBelow:     2500.0,
		},
		Status:    plan.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

func newTestLoop(repo store.Repo, market MarketSource, exec execution.Gateway) *Loop {
	return NewLoop(
		LoopConfig{Interval: time.Hour, Timeframes: []marketdata.Timeframe{marketdata.M15}, CandleCount: 50},
		repo,
		market,
		conditions.NewEvaluator(conditions.NewRegistry()),
		exec,
		nil,
		telemetry.NewMetrics(),
	)
}

func TestCycleExecutesSatisfiedPlan(t *testing.T) {
	repo := store.NewMemoryRepo()
	market := newFakeMarket()
	gw := &scriptedGateway{}
	loop := newTestLoop(repo, market, gw)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, pendingPlan("p1", "XAUUSD")))
	market.setSnapshot("XAUUSD", 2400.0, map[string]bool{conditions.KeyLiquiditySweep: true})

	loop.Cycle(ctx)

	p, err := repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusExecuted, p.Status)
	require.NotNil(t, p.Ticket)
	assert.Equal(t, "T-1", *p.Ticket)
	assert.NotNil(t, p.ExecutedAt)
	assert.Equal(t, int64(1), gw.placed.Load())
}

func TestOverlappingCyclesFireExactlyOnce(t *testing.T) {
	repo := store.NewMemoryRepo()
	market := newFakeMarket()
	gw := &scriptedGateway{}
	loop := newTestLoop(repo, market, gw)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, pendingPlan("p1", "XAUUSD")))
	market.setSnapshot("XAUUSD", 2400.0, map[string]bool{conditions.KeyLiquiditySweep: true})

	const overlapping = 16
	var wg sync.WaitGroup
	for i := 0; i < overlapping; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Cycle(ctx)
		}()
	}
	wg.Wait()

	p, err := repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusExecuted, p.Status)
	assert.Equal(t, int64(1), gw.placed.Load(), "overlapping cycles must place exactly one order")
}

func TestCycleExpiresDuePlans(t *testing.T) {
	repo := store.NewMemoryRepo()
	market := newFakeMarket()
	loop := newTestLoop(repo, market, &scriptedGateway{})
	ctx := context.Background()

	p := pendingPlan("p1", "XAUUSD")
	p.ExpiresAt = time.Now().Add(time.Minute)
	require.NoError(t, repo.Create(ctx, p))

	market.setSnapshot("XAUUSD", 2400.0, map[string]bool{conditions.KeyLiquiditySweep: true})
	status := func() plan.Status {
		got, err := repo.Get(ctx, "p1")
		require.NoError(t, err)
		return got.Status
	}

	// Not yet due: stays pending (and would even execute, but expiry is
	// checked against the loop clock first once it passes).
	loop.Cycle(ctx)
	assert.Equal(t, plan.StatusExecuted, status())

	// A second plan already past expiry transitions on its first cycle and
	// never reaches the gateway.
	due := pendingPlan("p2", "XAUUSD")
	due.ExpiresAt = time.Now().Add(time.Minute)
	require.NoError(t, repo.Create(ctx, due))
	loop.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	loop.Cycle(ctx)

	got, err := repo.Get(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusExpired, got.Status)
}

func TestCycleLeavesUnsatisfiedPlansPending(t *testing.T) {
	repo := store.NewMemoryRepo()
	market := newFakeMarket()
	gw := &scriptedGateway{}
	loop := newTestLoop(repo, market, gw)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, pendingPlan("p1", "XAUUSD")))
	// Signal known false: NotYet, never a failure.
	market.setSnapshot("XAUUSD", 2400.0, map[string]bool{conditions.KeyLiquiditySweep: false})

	loop.Cycle(ctx)

	p, err := repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPending, p.Status)
	assert.Equal(t, int64(0), gw.placed.Load())
}

func TestCycleSkipsPlanWhenMarketUnavailable(t *testing.T) {
	repo := store.NewMemoryRepo()
	market := newFakeMarket()
	gw := &scriptedGateway{}
	loop := newTestLoop(repo, market, gw)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, pendingPlan("p1", "XAUUSD")))
	market.errs["XAUUSD"] = marketdata.ErrUnavailable

	loop.Cycle(ctx)

	p, err := repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPending, p.Status, "unavailable data must never trade")
	assert.Equal(t, int64(0), gw.placed.Load())
}

func TestCycleFailsPlanWithUnknownStrategy(t *testing.T) {
	repo := store.NewMemoryRepo()
	market := newFakeMarket()
	loop := newTestLoop(repo, market, &scriptedGateway{})
	ctx := context.Background()

	p := pendingPlan("p1", "XAUUSD")
	p.StrategyType = "no_such_strategy"
	require.NoError(t, repo.Create(ctx, p))
	market.setSnapshot("XAUUSD", 2400.0, nil)

	loop.Cycle(ctx)

	got, err := repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusFailed, got.Status)
	require.NotNil(t, got.CloseReason)
	assert.Contains(t, *got.CloseReason, "unknown strategy")
}

func TestBrokerRejectionIsTerminal(t *testing.T) {
	repo := store.NewMemoryRepo()
	market := newFakeMarket()
	gw := &scriptedGateway{placeErr: fmt.Errorf("%w: insufficient margin", execution.ErrRejected)}
	loop := newTestLoop(repo, market, gw)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, pendingPlan("p1", "XAUUSD")))
	market.setSnapshot("XAUUSD", 2400.0, map[string]bool{conditions.KeyLiquiditySweep: true})

	loop.Cycle(ctx)

	p, err := repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusFailed, p.Status)
	require.NotNil(t, p.CloseReason)
	assert.Contains(t, *p.CloseReason, "insufficient margin")
}

func TestTransportFailureRollsBackAndRetries(t *testing.T) {
	repo := store.NewMemoryRepo()
	market := newFakeMarket()
	gw := &scriptedGateway{placeErr: errors.New("connection refused")}
	loop := newTestLoop(repo, market, gw)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, pendingPlan("p1", "XAUUSD")))
	market.setSnapshot("XAUUSD", 2400.0, map[string]bool{conditions.KeyLiquiditySweep: true})

	loop.Cycle(ctx)

	p, err := repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPending, p.Status, "transport failure must release the claim")

	// The broker recovers; the next cycle retries and succeeds.
	gw.placeErr = nil
	loop.Cycle(ctx)

	p, err = repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusExecuted, p.Status)
	assert.Equal(t, int64(1), gw.placed.Load())
}

func TestPanicInOnePlanDoesNotStopTheCycle(t *testing.T) {
	repo := store.NewMemoryRepo()
	market := newFakeMarket()
	gw := &scriptedGateway{}
	loop := newTestLoop(repo, market, gw)
	ctx := context.Background()

	bad := pendingPlan("bad", "BOOM")
	bad.CreatedAt = time.Now().Add(time.Second) // sorts first (newest first)
	require.NoError(t, repo.Create(ctx, bad))
	require.NoError(t, repo.Create(ctx, pendingPlan("good", "XAUUSD")))

	market.panic["BOOM"] = true
	market.setSnapshot("XAUUSD", 2400.0, map[string]bool{conditions.KeyLiquiditySweep: true})

	require.NotPanics(t, func() { loop.Cycle(ctx) })

	good, err := repo.Get(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusExecuted, good.Status)
}

func TestHeartbeatAdvancesPerCycle(t *testing.T) {
	repo := store.NewMemoryRepo()
	loop := newTestLoop(repo, newFakeMarket(), &scriptedGateway{})

	before := loop.Heartbeat()
	time.Sleep(5 * time.Millisecond)
	loop.Cycle(context.Background())
	assert.True(t, loop.Heartbeat().After(before))
}

// The SELL scenario: plan near 88975 with tolerance 75 and a liquidity sweep
// flag fires exactly one order once price trades into the band.
func TestSellLiquiditySweepScenario(t *testing.T) {
	repo := store.NewMemoryRepo()
	market := newFakeMarket()
	gw := &scriptedGateway{}
	loop := newTestLoop(repo, market, gw)
	ctx := context.Background()

	now := time.Now()
	p := &plan.TradePlan{
		PlanID:       "sell-1",
		Symbol:       "BTCUSD",
		Direction:    plan.DirectionSell,
		EntryPrice:   88975.0,
		StopLoss:     89300.0,
		TakeProfit:   88200.0,
		Volume:       0.5,
		StrategyType: "liquidity_sweep",
		Conditions: map[string]interface{}{
			conditions.KeyLiquiditySweep: true,
			conditions.KeyPriceNear:      88975.0,
			conditions.KeyTolerance:      75.0,
		},
		Status:    plan.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
	require.NoError(t, p.Validate(now))
	require.NoError(t, repo.Create(ctx, p))

	// Price outside the band: nothing happens.
	market.setSnapshot("BTCUSD", 89100.0, map[string]bool{conditions.KeyLiquiditySweep: true})
	loop.Cycle(ctx)
	got, err := repo.Get(ctx, "sell-1")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPending, got.Status)

	// Price sweeps into the band with the signal set: exactly one order.
	market.setSnapshot("BTCUSD", 88920.0, map[string]bool{conditions.KeyLiquiditySweep: true})
	loop.Cycle(ctx)
	loop.Cycle(ctx) // a second cycle must not double-fire

	got, err = repo.Get(ctx, "sell-1")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusExecuted, got.Status)
	assert.Equal(t, int64(1), gw.placed.Load())
}

// crashingRepo panics when the loop lists pending plans, killing every loop
// instance on its first cycle.
type crashingRepo struct {
	store.Repo
}

func (r *crashingRepo) ListPending(context.Context) ([]*plan.TradePlan, error) {
	panic("repository exploded")
}

func TestRunDiesCleanlyOnFatalCycleError(t *testing.T) {
	repo := &crashingRepo{Repo: store.NewMemoryRepo()}
	loop := newTestLoop(repo, newFakeMarket(), &scriptedGateway{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Must return instead of crashing the process.
		loop.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not die on a fatal cycle error")
	}
	assert.False(t, loop.Alive())
}

// Same sell setup, but with price_below as the trigger and tolerance present.
// tolerance only modifies price_near; next to price_below it is inert, not an
// unknown condition.
func TestSellPriceBelowWithInertTolerance(t *testing.T) {
	repo := store.NewMemoryRepo()
	market := newFakeMarket()
	gw := &scriptedGateway{}
	loop := newTestLoop(repo, market, gw)
	ctx := context.Background()

	now := time.Now()
	p := &plan.TradePlan{
		PlanID:       "sell-2",
		Symbol:       "BTCUSD",
		Direction:    plan.DirectionSell,
		EntryPrice:   88975.0,
		StopLoss:     89300.0,
		TakeProfit:   88200.0,
		Volume:       0.5,
		StrategyType: "liquidity_sweep",
		Conditions: map[string]interface{}{
			conditions.KeyLiquiditySweep: true,
			conditions.KeyPriceBelow:     88975.0,
			conditions.KeyTolerance:      75.0,
		},
		Status:    plan.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
	require.NoError(t, p.Validate(now))
	require.NoError(t, repo.Create(ctx, p))

	// Above the level: nothing happens.
	market.setSnapshot("BTCUSD", 89100.0, map[string]bool{conditions.KeyLiquiditySweep: true})
	loop.Cycle(ctx)
	got, err := repo.Get(ctx, "sell-2")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPending, got.Status)

	// Below the level with the signal set: executes.
	market.setSnapshot("BTCUSD", 88850.0, map[string]bool{conditions.KeyLiquiditySweep: true})
	loop.Cycle(ctx)

	got, err = repo.Get(ctx, "sell-2")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusExecuted, got.Status)
	assert.Equal(t, int64(1), gw.placed.Load())
}
