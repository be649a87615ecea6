// Package store defines the plan repository contract. The repository is the
// only shared resource requiring per-plan serialization of status-mutating
// writes: all transitions go through conditional updates keyed on the current
// status so overlapping monitor cycles cannot double-fire a plan.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sawpanic/planrun/internal/plan"
)

var (
	// ErrNotFound is returned when no plan exists for the given id.
	ErrNotFound = errors.New("plan not found")
	// ErrExists is returned when creating a plan with a duplicate id.
	ErrExists = errors.New("plan already exists")
	// ErrTerminal is returned when mutating a plan that is no longer PENDING.
	ErrTerminal = errors.New("plan is in a terminal state")
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status plan.Status
	Symbol string
	Limit  int
}

// Repo is the durable plan store. Plans are archived in terminal states,
// never physically deleted.
type Repo interface {
	// Create persists a new plan. Fails with ErrExists on duplicate ids.
	Create(ctx context.Context, p *plan.TradePlan) error

	// Get returns a copy of the plan, or ErrNotFound.
	Get(ctx context.Context, planID string) (*plan.TradePlan, error)

	// List returns plans matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]*plan.TradePlan, error)

	// ListPending returns all PENDING plans for evaluation.
	ListPending(ctx context.Context) ([]*plan.TradePlan, error)

	// CASStatus transitions the plan from one status to another atomically.
	// Returns false when the plan was not in the expected status, which is
	// how concurrent claimers lose the race without error.
	CASStatus(ctx context.Context, planID string, from, to plan.Status) (bool, error)

	// RecordExecution stamps the ticket and execution time on a claimed plan.
	RecordExecution(ctx context.Context, planID, ticket string, at time.Time) error

	// RecordFailure marks a claimed plan FAILED with a reason.
	RecordFailure(ctx context.Context, planID, reason string, at time.Time) error

	// RecordClose stamps exit price, profit and close reason on an executed
	// plan after its position is closed.
	RecordClose(ctx context.Context, planID string, exitPrice, profit float64, reason string, at time.Time) error

	// UpdatePending applies field updates while the plan is still PENDING,
	// atomically with respect to status transitions. ErrTerminal otherwise.
	UpdatePending(ctx context.Context, upd plan.Update, now time.Time) error

	// CountByStatus returns plan counts per status for observability.
	CountByStatus(ctx context.Context) (map[plan.Status]int, error)
}
