package plan

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a trade plan. PENDING is the only
// non-terminal state; every other status is terminal and never transitions again.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusExecuted  Status = "EXECUTED"
	StatusExpired   Status = "EXPIRED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether a plan in this status can transition further.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusExecuted, StatusExpired, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Direction is the trade side of a plan.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// ParseDirection normalizes a wire-format direction string.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToUpper(strings.TrimSpace(s))) {
	case DirectionBuy:
		return DirectionBuy, nil
	case DirectionSell:
		return DirectionSell, nil
	}
	return "", fmt.Errorf("invalid direction: %q", s)
}

// TradePlan is a conditional pending order. It is created by an external plan
// surface, mutated exclusively by the monitor loop, and never physically deleted.
type TradePlan struct {
	PlanID       string                 `json:"plan_id" db:"plan_id"`
	Symbol       string                 `json:"symbol" db:"symbol"`
	Direction    Direction              `json:"direction" db:"direction"`
	EntryPrice   float64                `json:"entry_price" db:"entry_price"`
	StopLoss     float64                `json:"stop_loss" db:"stop_loss"`
	TakeProfit   float64                `json:"take_profit" db:"take_profit"`
	Volume       float64                `json:"volume" db:"volume"`
	StrategyType string                 `json:"strategy_type" db:"strategy_type"`
	Conditions   map[string]interface{} `json:"conditions" db:"conditions"`
	Status       Status                 `json:"status" db:"status"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
	CreatedBy    string                 `json:"created_by,omitempty" db:"created_by"`
	ExpiresAt    time.Time              `json:"expires_at" db:"expires_at"`
	ExecutedAt   *time.Time             `json:"executed_at,omitempty" db:"executed_at"`
	Ticket       *string                `json:"ticket,omitempty" db:"ticket"`
	ExitPrice    *float64               `json:"exit_price,omitempty" db:"exit_price"`
	ProfitLoss   *float64               `json:"profit_loss,omitempty" db:"profit_loss"`
	CloseTime    *time.Time             `json:"close_time,omitempty" db:"close_time"`
	CloseReason  *string                `json:"close_reason,omitempty" db:"close_reason"`
	Notes        string                 `json:"notes,omitempty" db:"notes"`
}

// Expired reports whether the plan's expiry deadline has passed.
func (p *TradePlan) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// Clone returns a deep copy so callers can hand plans across goroutines
// without sharing the conditions map.
func (p *TradePlan) Clone() *TradePlan {
	cp := *p
	if p.Conditions != nil {
		cp.Conditions = make(map[string]interface{}, len(p.Conditions))
		for k, v := range p.Conditions {
			cp.Conditions[k] = v
		}
	}
	return &cp
}

// ValidationError marks a plan that was rejected at creation time. Plans that
// fail validation are never persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid plan: %s: %s", e.Field, e.Reason)
}

// Validate checks structural invariants at creation time. Price geometry
// (SL < entry < TP for BUY, reversed for SELL) is enforced here and never
// re-checked at evaluation time.
func (p *TradePlan) Validate(now time.Time) error {
	if strings.TrimSpace(p.Symbol) == "" {
		return &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if p.Direction != DirectionBuy && p.Direction != DirectionSell {
		return &ValidationError{Field: "direction", Reason: fmt.Sprintf("must be BUY or SELL, got %q", p.Direction)}
	}
	if p.EntryPrice <= 0 {
		return &ValidationError{Field: "entry_price", Reason: "must be positive"}
	}
	if p.Volume <= 0 {
		return &ValidationError{Field: "volume", Reason: "must be positive"}
	}
	if p.StopLoss > 0 && p.TakeProfit > 0 {
		switch p.Direction {
		case DirectionBuy:
			if !(p.StopLoss < p.EntryPrice && p.EntryPrice < p.TakeProfit) {
				return &ValidationError{Field: "stop_loss/take_profit",
					Reason: fmt.Sprintf("BUY requires SL < entry < TP, got SL=%.5f entry=%.5f TP=%.5f", p.StopLoss, p.EntryPrice, p.TakeProfit)}
			}
		case DirectionSell:
			if !(p.TakeProfit < p.EntryPrice && p.EntryPrice < p.StopLoss) {
				return &ValidationError{Field: "stop_loss/take_profit",
					Reason: fmt.Sprintf("SELL requires TP < entry < SL, got SL=%.5f entry=%.5f TP=%.5f", p.StopLoss, p.EntryPrice, p.TakeProfit)}
			}
		}
	}
	if !p.ExpiresAt.IsZero() && !p.ExpiresAt.After(now) {
		return &ValidationError{Field: "expires_at", Reason: "must be in the future"}
	}
	if len(p.Conditions) == 0 {
		return &ValidationError{Field: "conditions", Reason: "at least one condition is required"}
	}
	return nil
}

// Update carries the mutable fields an external caller may change while a plan
// is still PENDING. Nil pointers mean "leave unchanged".
type Update struct {
	PlanID     string                 `json:"plan_id"`
	EntryPrice *float64               `json:"entry_price,omitempty"`
	StopLoss   *float64               `json:"stop_loss,omitempty"`
	TakeProfit *float64               `json:"take_profit,omitempty"`
	Volume     *float64               `json:"volume,omitempty"`
	ExpiresAt  *time.Time             `json:"expires_at,omitempty"`
	Conditions map[string]interface{} `json:"conditions,omitempty"`
	Notes      *string                `json:"notes,omitempty"`
}

// Apply merges the update into the plan and re-validates price geometry.
func (u *Update) Apply(p *TradePlan, now time.Time) error {
	merged := p.Clone()
	if u.EntryPrice != nil {
		merged.EntryPrice = *u.EntryPrice
	}
	if u.StopLoss != nil {
		merged.StopLoss = *u.StopLoss
	}
	if u.TakeProfit != nil {
		merged.TakeProfit = *u.TakeProfit
	}
	if u.Volume != nil {
		merged.Volume = *u.Volume
	}
	if u.ExpiresAt != nil {
		merged.ExpiresAt = *u.ExpiresAt
	}
	if u.Conditions != nil {
		merged.Conditions = u.Conditions
	}
	if u.Notes != nil {
		merged.Notes = *u.Notes
	}
	if err := merged.Validate(now); err != nil {
		return err
	}
	*p = *merged
	return nil
}
