package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/planrun/internal/conditions"
	"github.com/sawpanic/planrun/internal/engine"
	"github.com/sawpanic/planrun/internal/execution"
	"github.com/sawpanic/planrun/internal/marketdata"
	"github.com/sawpanic/planrun/internal/plan"
	"github.com/sawpanic/planrun/internal/store"
	"github.com/sawpanic/planrun/internal/telemetry"
)

func testServer(t *testing.T) (*Server, store.Repo) {
	t.Helper()
	repo := store.NewMemoryRepo()
	registry := conditions.NewRegistry()
	gw := execution.NewPaperGateway()
	svc := engine.NewService(repo, registry, gw, nil)

	factory := func() *engine.Loop {
		return engine.NewLoop(
			engine.LoopConfig{Interval: time.Hour, Timeframes: []marketdata.Timeframe{marketdata.M15}},
			repo, nil, conditions.NewEvaluator(registry), gw, nil, telemetry.NewMetrics(),
		)
	}
	watchdog := engine.NewWatchdog(factory, repo, time.Hour, telemetry.NewMetrics())

	srv := NewServer(DefaultServerConfig(), NewHandlers(svc, watchdog), telemetry.NewMetrics())
	return srv, repo
}

func planBody(id string) map[string]interface{} {
	return map[string]interface{}{
		"plan_id":       id,
		"symbol":        "XAUUSD",
		"direction":     "BUY",
		"entry_price":   2400.0,
		"stop_loss":     2390.0,
		"take_profit":   2420.0,
		"volume":        0.1,
		"strategy_type": "liquidity_sweep",
		"conditions": map[string]interface{}{
			"liquidity_sweep": true,
			"price_near":      2400.0,
		},
		"expires_at": time.Now().Add(24 * time.Hour).Format(time.RFC3339),
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetPlan(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/plans", planBody("p1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/plans/p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got plan.TradePlan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "XAUUSD", got.Symbol)
	assert.Equal(t, plan.StatusPending, got.Status)
}

func TestCreatePlanValidationError(t *testing.T) {
	srv, _ := testServer(t)

	body := planBody("p1")
	body["volume"] = 0
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/plans", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePlanDuplicateConflict(t *testing.T) {
	srv, _ := testServer(t)

	require.Equal(t, http.StatusCreated, doJSON(t, srv.Handler(), http.MethodPost, "/plans", planBody("p1")).Code)
	assert.Equal(t, http.StatusConflict, doJSON(t, srv.Handler(), http.MethodPost, "/plans", planBody("p1")).Code)
}

func TestCreateBatchEmptyIs400(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/plans/batch", map[string]interface{}{"plans": []interface{}{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBatchReportsPerItemResults(t *testing.T) {
	srv, _ := testServer(t)

	bad := planBody("bad")
	bad["entry_price"] = -1
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/plans/batch", map[string]interface{}{
		"plans": []interface{}{planBody("good"), bad},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res engine.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Failed)
}

func TestUpdatePlan(t *testing.T) {
	srv, _ := testServer(t)
	require.Equal(t, http.StatusCreated, doJSON(t, srv.Handler(), http.MethodPost, "/plans", planBody("p1")).Code)

	rec := doJSON(t, srv.Handler(), http.MethodPatch, "/plans/p1", map[string]interface{}{"volume": 0.5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got plan.TradePlan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 0.5, got.Volume)

	rec = doJSON(t, srv.Handler(), http.MethodPatch, "/plans/missing", map[string]interface{}{"volume": 0.5})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateTerminalPlanConflicts(t *testing.T) {
	srv, repo := testServer(t)
	require.Equal(t, http.StatusCreated, doJSON(t, srv.Handler(), http.MethodPost, "/plans", planBody("p1")).Code)

	ok, err := repo.CASStatus(context.Background(), "p1", plan.StatusPending, plan.StatusCancelled)
	require.NoError(t, err)
	require.True(t, ok)

	rec := doJSON(t, srv.Handler(), http.MethodPatch, "/plans/p1", map[string]interface{}{"volume": 0.5})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelPlanIdempotentOverHTTP(t *testing.T) {
	srv, _ := testServer(t)
	require.Equal(t, http.StatusCreated, doJSON(t, srv.Handler(), http.MethodPost, "/plans", planBody("p1")).Code)

	assert.Equal(t, http.StatusOK, doJSON(t, srv.Handler(), http.MethodDelete, "/plans/p1", nil).Code)
	// Repeat cancel still succeeds.
	assert.Equal(t, http.StatusOK, doJSON(t, srv.Handler(), http.MethodDelete, "/plans/p1", nil).Code)
	// Unknown plan is a 404.
	assert.Equal(t, http.StatusNotFound, doJSON(t, srv.Handler(), http.MethodDelete, "/plans/missing", nil).Code)
}

func TestCancelBatchEmptyIs400(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/plans/batch/cancel", map[string]interface{}{"plan_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPlansFilters(t *testing.T) {
	srv, _ := testServer(t)
	for i := 0; i < 3; i++ {
		body := planBody(fmt.Sprintf("p%d", i))
		if i == 2 {
			body["symbol"] = "EURUSD"
		}
		require.Equal(t, http.StatusCreated, doJSON(t, srv.Handler(), http.MethodPost, "/plans", body).Code)
	}

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/plans?symbol=EURUSD", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res struct {
		Total int               `json:"total"`
		Plans []*plan.TradePlan `json:"plans"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Total)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/plans?status=BOGUS", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSystemStatusReportsDeadLoop(t *testing.T) {
	srv, _ := testServer(t)
	require.Equal(t, http.StatusCreated, doJSON(t, srv.Handler(), http.MethodPost, "/plans", planBody("p1")).Code)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Running      bool             `json:"running"`
		ThreadAlive  bool             `json:"thread_alive"`
		PendingPlans int              `json:"pending_plans"`
		RestartCount int              `json:"restart_count"`
		CheckInt     string           `json:"check_interval"`
		Plans        []plan.TradePlan `json:"plans"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	// The watchdog was never started: the loop is dead, so running must be
	// reported false.
	assert.False(t, status.Running)
	assert.False(t, status.ThreadAlive)
	assert.Equal(t, 1, status.PendingPlans)
	assert.Len(t, status.Plans, 1)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	srv, _ := testServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRouteIs404JSON(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "endpoint")
}
