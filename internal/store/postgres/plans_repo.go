// Package postgres implements the plan repository on PostgreSQL. Status
// transitions use conditional UPDATEs keyed on the current status, so the
// database serializes concurrent claimers of the same plan.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/planrun/internal/plan"
	"github.com/sawpanic/planrun/internal/store"
)

// Schema is the conceptual plan row. Kept here so deployments can apply it
// with their own migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS trade_plans (
	plan_id       TEXT PRIMARY KEY,
	symbol        TEXT NOT NULL,
	direction     TEXT NOT NULL,
	entry_price   DOUBLE PRECISION NOT NULL,
	stop_loss     DOUBLE PRECISION NOT NULL,
	take_profit   DOUBLE PRECISION NOT NULL,
	volume        DOUBLE PRECISION NOT NULL,
	strategy_type TEXT NOT NULL,
	conditions    JSONB NOT NULL,
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	created_by    TEXT NOT NULL DEFAULT '',
	expires_at    TIMESTAMPTZ,
	executed_at   TIMESTAMPTZ,
	ticket        TEXT,
	exit_price    DOUBLE PRECISION,
	profit_loss   DOUBLE PRECISION,
	close_time    TIMESTAMPTZ,
	close_reason  TEXT,
	notes         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trade_plans_status ON trade_plans (status);
CREATE INDEX IF NOT EXISTS idx_trade_plans_symbol ON trade_plans (symbol);
`

const planColumns = `plan_id, symbol, direction, entry_price, stop_loss, take_profit,
	volume, strategy_type, conditions, status, created_at, created_by, expires_at,
	executed_at, ticket, exit_price, profit_loss, close_time, close_reason, notes`

// Repo is the PostgreSQL-backed plan repository.
type Repo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRepo creates a repository with a per-query timeout.
func NewRepo(db *sqlx.DB, timeout time.Duration) *Repo {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Repo{db: db, timeout: timeout}
}

// Migrate applies the plan schema.
func (r *Repo) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply plan schema: %w", err)
	}
	return nil
}

func (r *Repo) Create(ctx context.Context, p *plan.TradePlan) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	conditionsJSON, err := json.Marshal(p.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}

	query := `
		INSERT INTO trade_plans (` + planColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err = r.db.ExecContext(ctx, query,
		p.PlanID, p.Symbol, p.Direction, p.EntryPrice, p.StopLoss, p.TakeProfit,
		p.Volume, p.StrategyType, conditionsJSON, p.Status, p.CreatedAt, p.CreatedBy,
		nullTime(p.ExpiresAt), p.ExecutedAt, p.Ticket, p.ExitPrice, p.ProfitLoss,
		p.CloseTime, p.CloseReason, p.Notes)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", store.ErrExists, p.PlanID)
		}
		return fmt.Errorf("failed to insert plan: %w", err)
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, planID string) (*plan.TradePlan, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowxContext(ctx, `SELECT `+planColumns+` FROM trade_plans WHERE plan_id = $1`, planID)
	p, err := scanPlan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, planID)
		}
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return p, nil
}

func (r *Repo) List(ctx context.Context, f store.Filter) ([]*plan.TradePlan, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + planColumns + ` FROM trade_plans WHERE 1=1`
	args := []interface{}{}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Symbol != "" {
		args = append(args, f.Symbol)
		query += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*plan.TradePlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan row: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plan rows: %w", err)
	}
	return plans, nil
}

func (r *Repo) ListPending(ctx context.Context) ([]*plan.TradePlan, error) {
	return r.List(ctx, store.Filter{Status: plan.StatusPending})
}

func (r *Repo) CASStatus(ctx context.Context, planID string, from, to plan.Status) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE trade_plans SET status = $1 WHERE plan_id = $2 AND status = $3`,
		to, planID, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition plan %s: %w", planID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a lost race from a missing plan.
		var exists bool
		if err := r.db.QueryRowxContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM trade_plans WHERE plan_id = $1)`, planID).Scan(&exists); err != nil {
			return false, fmt.Errorf("failed to check plan existence: %w", err)
		}
		if !exists {
			return false, fmt.Errorf("%w: %s", store.ErrNotFound, planID)
		}
		return false, nil
	}
	return true, nil
}

func (r *Repo) RecordExecution(ctx context.Context, planID, ticket string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE trade_plans SET ticket = $1, executed_at = $2 WHERE plan_id = $3`,
		ticket, at, planID)
	if err != nil {
		return fmt.Errorf("failed to record execution for %s: %w", planID, err)
	}
	return nil
}

func (r *Repo) RecordFailure(ctx context.Context, planID, reason string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE trade_plans SET status = $1, close_reason = $2, close_time = $3 WHERE plan_id = $4`,
		plan.StatusFailed, reason, at, planID)
	if err != nil {
		return fmt.Errorf("failed to record failure for %s: %w", planID, err)
	}
	return nil
}

func (r *Repo) RecordClose(ctx context.Context, planID string, exitPrice, profit float64, reason string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE trade_plans SET exit_price = $1, profit_loss = $2, close_reason = $3, close_time = $4 WHERE plan_id = $5`,
		exitPrice, profit, reason, at, planID)
	if err != nil {
		return fmt.Errorf("failed to record close for %s: %w", planID, err)
	}
	return nil
}

func (r *Repo) UpdatePending(ctx context.Context, upd plan.Update, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowx(`SELECT `+planColumns+` FROM trade_plans WHERE plan_id = $1 FOR UPDATE`, upd.PlanID)
	p, err := scanPlan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", store.ErrNotFound, upd.PlanID)
		}
		return fmt.Errorf("failed to load plan for update: %w", err)
	}
	if p.Status != plan.StatusPending {
		return fmt.Errorf("%w: %s is %s", store.ErrTerminal, upd.PlanID, p.Status)
	}
	if err := upd.Apply(p, now); err != nil {
		return err
	}

	conditionsJSON, err := json.Marshal(p.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}
	_, err = tx.Exec(`
		UPDATE trade_plans
		SET entry_price = $1, stop_loss = $2, take_profit = $3, volume = $4,
		    expires_at = $5, conditions = $6, notes = $7
		WHERE plan_id = $8 AND status = $9`,
		p.EntryPrice, p.StopLoss, p.TakeProfit, p.Volume,
		nullTime(p.ExpiresAt), conditionsJSON, p.Notes, p.PlanID, plan.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to update plan %s: %w", upd.PlanID, err)
	}
	return tx.Commit()
}

func (r *Repo) CountByStatus(ctx context.Context) (map[plan.Status]int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM trade_plans GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count plans: %w", err)
	}
	defer rows.Close()

	counts := make(map[plan.Status]int)
	for rows.Next() {
		var status plan.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row rowScanner) (*plan.TradePlan, error) {
	var p plan.TradePlan
	var conditionsJSON []byte
	var expiresAt sql.NullTime

	err := row.Scan(
		&p.PlanID, &p.Symbol, &p.Direction, &p.EntryPrice, &p.StopLoss, &p.TakeProfit,
		&p.Volume, &p.StrategyType, &conditionsJSON, &p.Status, &p.CreatedAt, &p.CreatedBy,
		&expiresAt, &p.ExecutedAt, &p.Ticket, &p.ExitPrice, &p.ProfitLoss,
		&p.CloseTime, &p.CloseReason, &p.Notes)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		p.ExpiresAt = expiresAt.Time
	}
	if len(conditionsJSON) > 0 {
		if err := json.Unmarshal(conditionsJSON, &p.Conditions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conditions: %w", err)
		}
	}
	return &p, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
