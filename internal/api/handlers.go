package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sawpanic/planrun/internal/engine"
	"github.com/sawpanic/planrun/internal/plan"
	"github.com/sawpanic/planrun/internal/store"
)

// Handlers bundles the control-surface endpoint handlers.
type Handlers struct {
	svc      *engine.Service
	watchdog *engine.Watchdog
}

// NewHandlers creates handlers over the plan service and watchdog.
func NewHandlers(svc *engine.Service, watchdog *engine.Watchdog) *Handlers {
	return &Handlers{svc: svc, watchdog: watchdog}
}

type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	h.writeJSON(w, status, errorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		RequestID: requestID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// serviceError maps service-layer errors onto HTTP statuses.
func (h *Handlers) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *plan.ValidationError
	switch {
	case errors.As(err, &vErr):
		h.writeError(w, r, http.StatusBadRequest, vErr.Error())
	case errors.Is(err, engine.ErrEmptyBatch):
		h.writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrExists):
		h.writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrTerminal), errors.Is(err, engine.ErrNotExecuted), errors.Is(err, engine.ErrDefensive):
		h.writeError(w, r, http.StatusConflict, err.Error())
	default:
		h.writeError(w, r, http.StatusInternalServerError, err.Error())
	}
}

// CreatePlan handles POST /plans.
func (h *Handlers) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var p plan.TradePlan
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := h.svc.CreatePlan(r.Context(), &p); err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, p)
}

// CreateBatch handles POST /plans/batch.
func (h *Handlers) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Plans []*plan.TradePlan `json:"plans"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	res, err := h.svc.CreateBatch(r.Context(), body.Plans)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// UpdatePlan handles PATCH /plans/{id}.
func (h *Handlers) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	var upd plan.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	upd.PlanID = mux.Vars(r)["id"]
	if err := h.svc.UpdatePlan(r.Context(), upd); err != nil {
		h.serviceError(w, r, err)
		return
	}
	p, err := h.svc.GetPlan(r.Context(), upd.PlanID)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// UpdateBatch handles POST /plans/batch/update.
func (h *Handlers) UpdateBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Updates []plan.Update `json:"updates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	res, err := h.svc.UpdateBatch(r.Context(), body.Updates)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// CancelPlan handles DELETE /plans/{id}. Cancelling an already-terminal plan
// succeeds, so retries are safe.
func (h *Handlers) CancelPlan(w http.ResponseWriter, r *http.Request) {
	planID := mux.Vars(r)["id"]
	if err := h.svc.CancelPlan(r.Context(), planID); err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"plan_id": planID, "status": "cancelled"})
}

// CancelBatch handles POST /plans/batch/cancel.
func (h *Handlers) CancelBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PlanIDs []string `json:"plan_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	res, err := h.svc.CancelBatch(r.Context(), body.PlanIDs)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// GetPlan handles GET /plans/{id}.
func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPlan(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// ListPlans handles GET /plans?status=&symbol=&limit=.
func (h *Handlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{
		Status: plan.Status(r.URL.Query().Get("status")),
		Symbol: r.URL.Query().Get("symbol"),
	}
	if f.Status != "" && !f.Status.Valid() {
		h.writeError(w, r, http.StatusBadRequest, "unknown status: "+string(f.Status))
		return
	}
	plans, err := h.svc.ListPlans(r.Context(), f)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total": len(plans),
		"plans": plans,
	})
}

// ClosePosition handles POST /plans/{id}/close.
func (h *Handlers) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	// Body is optional.
	_ = json.NewDecoder(r.Body).Decode(&body)

	res, err := h.svc.ClosePosition(r.Context(), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// SystemStatus handles GET /status. thread_alive reflects true loop liveness;
// running is never reported with a dead loop hidden behind it.
func (h *Handlers) SystemStatus(w http.ResponseWriter, r *http.Request) {
	st := h.watchdog.Status(r.Context())
	pending, err := h.svc.ListPlans(r.Context(), store.Filter{Status: plan.StatusPending})
	if err != nil {
		h.serviceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":         st.Running && st.LoopAlive,
		"thread_alive":    st.LoopAlive,
		"pending_plans":   st.PendingCount,
		"check_interval":  st.CheckInterval.String(),
		"last_restart_at": st.LastRestartAt,
		"restart_count":   st.RestartCount,
		"plans":           pending,
	})
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// NotFound handles unmatched routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "the requested endpoint does not exist")
}
