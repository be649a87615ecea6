package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/planrun/internal/conditions"
	"github.com/sawpanic/planrun/internal/defense"
	"github.com/sawpanic/planrun/internal/execution"
	"github.com/sawpanic/planrun/internal/plan"
	"github.com/sawpanic/planrun/internal/store"
)

var (
	// ErrEmptyBatch rejects batch operations with no items before any
	// processing starts.
	ErrEmptyBatch = errors.New("batch is empty")
	// ErrDefensive blocks closing a position the risk subsystem marked
	// defensive.
	ErrDefensive = errors.New("position is in defensive mode")
	// ErrNotExecuted blocks position operations on plans without an order.
	ErrNotExecuted = errors.New("plan has no executed order")
)

// BatchItem is the per-item outcome of a batch operation.
type BatchItem struct {
	PlanID  string `json:"plan_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BatchResult summarizes a batch operation. Items fail independently; one
// bad plan never aborts the rest.
type BatchResult struct {
	Total      int         `json:"total"`
	Successful int         `json:"successful"`
	Failed     int         `json:"failed"`
	Results    []BatchItem `json:"results"`
}

func (r *BatchResult) add(planID string, err error) {
	item := BatchItem{PlanID: planID, Success: err == nil}
	if err != nil {
		item.Error = err.Error()
		r.Failed++
	} else {
		r.Successful++
	}
	r.Total++
	r.Results = append(r.Results, item)
}

// Service is the write-side API over the plan repository: create, update and
// cancel plans, singly or in batches, plus manual position closes.
type Service struct {
	repo     store.Repo
	registry *conditions.Registry
	exec     execution.Gateway
	defense  *defense.Checker // optional
	now      func() time.Time
}

// NewService wires the plan service. defense may be nil; position closes
// then skip the defensive-state check.
func NewService(repo store.Repo, registry *conditions.Registry, exec execution.Gateway, def *defense.Checker) *Service {
	return &Service{repo: repo, registry: registry, exec: exec, defense: def, now: time.Now}
}

// CreatePlan validates and persists a new plan. Invalid plans are rejected
// here and never reach the repository. A missing plan id gets a fresh uuid.
func (s *Service) CreatePlan(ctx context.Context, p *plan.TradePlan) error {
	if p.PlanID == "" {
		p.PlanID = uuid.NewString()
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.Status = plan.StatusPending

	if err := p.Validate(now); err != nil {
		return err
	}
	if err := s.registry.Validate(p.StrategyType, p.Conditions); err != nil {
		return err
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	log.Info().Str("plan_id", p.PlanID).Str("symbol", p.Symbol).
		Str("strategy", p.StrategyType).Msg("plan created")
	return nil
}

// CreateBatch creates several plans with per-item isolation. Duplicate plan
// ids within the batch are deduplicated last-write-wins before processing.
func (s *Service) CreateBatch(ctx context.Context, plans []*plan.TradePlan) (*BatchResult, error) {
	if len(plans) == 0 {
		return nil, ErrEmptyBatch
	}
	res := &BatchResult{}
	for _, p := range dedupePlans(plans) {
		res.add(p.PlanID, s.CreatePlan(ctx, p))
	}
	return res, nil
}

// UpdatePlan applies field updates to a plan that is still PENDING.
func (s *Service) UpdatePlan(ctx context.Context, upd plan.Update) error {
	if err := s.repo.UpdatePending(ctx, upd, s.now()); err != nil {
		return err
	}
	log.Info().Str("plan_id", upd.PlanID).Msg("plan updated")
	return nil
}

// UpdateBatch applies several updates with per-item isolation, deduplicated
// by plan id last-write-wins.
func (s *Service) UpdateBatch(ctx context.Context, upds []plan.Update) (*BatchResult, error) {
	if len(upds) == 0 {
		return nil, ErrEmptyBatch
	}
	res := &BatchResult{}
	for _, u := range dedupeUpdates(upds) {
		res.add(u.PlanID, s.UpdatePlan(ctx, u))
	}
	return res, nil
}

// CancelPlan cancels a pending plan. Cancelling a plan already in a terminal
// state succeeds without effect, so repeated cancels are idempotent.
func (s *Service) CancelPlan(ctx context.Context, planID string) error {
	ok, err := s.repo.CASStatus(ctx, planID, plan.StatusPending, plan.StatusCancelled)
	if err != nil {
		return err
	}
	if ok {
		log.Info().Str("plan_id", planID).Msg("plan cancelled")
		return nil
	}
	// Lost the swap: the plan exists but is already terminal. Idempotent.
	return nil
}

// CancelBatch cancels several plans with per-item isolation.
func (s *Service) CancelBatch(ctx context.Context, planIDs []string) (*BatchResult, error) {
	if len(planIDs) == 0 {
		return nil, ErrEmptyBatch
	}
	res := &BatchResult{}
	seen := make(map[string]bool, len(planIDs))
	for _, id := range planIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		res.add(id, s.CancelPlan(ctx, id))
	}
	return res, nil
}

// GetPlan returns a plan by id.
func (s *Service) GetPlan(ctx context.Context, planID string) (*plan.TradePlan, error) {
	return s.repo.Get(ctx, planID)
}

// ListPlans returns plans matching the filter.
func (s *Service) ListPlans(ctx context.Context, f store.Filter) ([]*plan.TradePlan, error) {
	return s.repo.List(ctx, f)
}

// ClosePosition manually closes an executed plan's open position. Positions
// the risk subsystem marks defensive are refused.
func (s *Service) ClosePosition(ctx context.Context, planID, reason string) (*execution.CloseResult, error) {
	p, err := s.repo.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p.Status != plan.StatusExecuted || p.Ticket == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotExecuted, planID, p.Status)
	}

	if s.defense != nil {
		verdict := s.defense.IsDefensive(ctx, *p.Ticket)
		if verdict.Defensive {
			return nil, fmt.Errorf("%w: state %s", ErrDefensive, verdict.State)
		}
		if verdict.Degraded {
			log.Warn().Str("plan_id", planID).Str("ticket", *p.Ticket).
				Msg("closing with degraded defensive-state answer")
		}
	}

	result, err := s.exec.CloseOrder(ctx, *p.Ticket)
	if err != nil {
		return nil, fmt.Errorf("failed to close position: %w", err)
	}
	if reason == "" {
		reason = "manual close"
	}
	if err := s.repo.RecordClose(ctx, planID, result.ExitPrice, result.Profit, reason, result.ClosedAt); err != nil {
		log.Error().Err(err).Str("plan_id", planID).Msg("position closed but close record failed")
	}
	log.Info().Str("plan_id", planID).Str("ticket", *p.Ticket).
		Float64("exit_price", result.ExitPrice).Float64("profit", result.Profit).
		Msg("position closed")
	return result, nil
}

// dedupePlans keeps the last occurrence of each plan id, preserving the
// order of last occurrences. Plans without an id are kept as-is.
func dedupePlans(plans []*plan.TradePlan) []*plan.TradePlan {
	last := make(map[string]int, len(plans))
	for i, p := range plans {
		if p.PlanID != "" {
			last[p.PlanID] = i
		}
	}
	out := make([]*plan.TradePlan, 0, len(plans))
	for i, p := range plans {
		if p.PlanID != "" && last[p.PlanID] != i {
			continue
		}
		out = append(out, p)
	}
	return out
}

func dedupeUpdates(upds []plan.Update) []plan.Update {
	last := make(map[string]int, len(upds))
	for i, u := range upds {
		last[u.PlanID] = i
	}
	out := make([]plan.Update, 0, len(upds))
	for i, u := range upds {
		if last[u.PlanID] != i {
			continue
		}
		out = append(out, u)
	}
	return out
}
