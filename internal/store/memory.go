package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sawpanic/planrun/internal/plan"
)

// MemoryRepo is an in-process Repo used for development and tests. A single
// mutex serializes status-mutating writes, giving the same compare-and-swap
// guarantees as the conditional UPDATEs in the Postgres implementation.
type MemoryRepo struct {
	mu    sync.RWMutex
	plans map[string]*plan.TradePlan
}

// NewMemoryRepo creates an empty in-memory repository.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{plans: make(map[string]*plan.TradePlan)}
}

func (r *MemoryRepo) Create(_ context.Context, p *plan.TradePlan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plans[p.PlanID]; exists {
		return fmt.Errorf("%w: %s", ErrExists, p.PlanID)
	}
	r.plans[p.PlanID] = p.Clone()
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, planID string) (*plan.TradePlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, planID)
	}
	return p.Clone(), nil
}

func (r *MemoryRepo) List(_ context.Context, f Filter) ([]*plan.TradePlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*plan.TradePlan, 0, len(r.plans))
	for _, p := range r.plans {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.Symbol != "" && p.Symbol != f.Symbol {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepo) ListPending(ctx context.Context) ([]*plan.TradePlan, error) {
	return r.List(ctx, Filter{Status: plan.StatusPending})
}

func (r *MemoryRepo) CASStatus(_ context.Context, planID string, from, to plan.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[planID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, planID)
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	return true, nil
}

func (r *MemoryRepo) RecordExecution(_ context.Context, planID, ticket string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[planID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, planID)
	}
	p.Ticket = &ticket
	p.ExecutedAt = &at
	return nil
}

func (r *MemoryRepo) RecordFailure(_ context.Context, planID, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[planID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, planID)
	}
	p.Status = plan.StatusFailed
	p.CloseReason = &reason
	p.CloseTime = &at
	return nil
}

func (r *MemoryRepo) RecordClose(_ context.Context, planID string, exitPrice, profit float64, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[planID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, planID)
	}
	p.ExitPrice = &exitPrice
	p.ProfitLoss = &profit
	p.CloseReason = &reason
	p.CloseTime = &at
	return nil
}

func (r *MemoryRepo) UpdatePending(_ context.Context, upd plan.Update, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[upd.PlanID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, upd.PlanID)
	}
	if p.Status != plan.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, upd.PlanID, p.Status)
	}
	return upd.Apply(p, now)
}

func (r *MemoryRepo) CountByStatus(_ context.Context) (map[plan.Status]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[plan.Status]int)
	for _, p := range r.plans {
		counts[p.Status]++
	}
	return counts, nil
}
