package conditions

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownStrategy is returned for strategy types the registry does not
// recognize. Validation fails closed: unknown types are never passed through.
var ErrUnknownStrategy = errors.New("unknown strategy type")

// StrategyDefinition declares the condition schema for one strategy type.
type StrategyDefinition struct {
	// Required keys must all be present.
	Required []string `json:"required"`
	// AnyOf groups are disjunctive: at least one key of each group must be
	// present, and present keys of a group combine by OR at evaluation time.
	AnyOf [][]string `json:"any_of,omitempty"`
	// Optional keys are recognized but never required.
	Optional []string `json:"optional,omitempty"`
	// ConfidenceField names the condition key carrying an externally computed
	// confidence score, when the strategy uses one.
	ConfidenceField string `json:"confidence_field,omitempty"`
}

// Registry maps strategy types to their condition schemas. It is a pure
// lookup service safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]StrategyDefinition
}

// priceGroup is the disjunctive price-trigger group shared by most strategies.
var priceGroup = []string{KeyPriceBelow, KeyPriceAbove, KeyPriceNear}

// NewRegistry returns a registry preloaded with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]StrategyDefinition)}

	r.Register("liquidity_sweep", StrategyDefinition{
		Required:        []string{KeyLiquiditySweep},
		AnyOf:           [][]string{priceGroup},
		Optional:        []string{KeyTolerance, KeyTimeframe, KeySession, KeyMinConfluence},
		ConfidenceField: KeyConfluenceScore,
	})
	r.Register("order_block", StrategyDefinition{
		Required:        []string{KeyOrderBlock},
		AnyOf:           [][]string{priceGroup},
		Optional:        []string{KeyTolerance, KeyTimeframe, KeyMinConfluence},
		ConfidenceField: KeyConfluenceScore,
	})
	r.Register("breaker_block", StrategyDefinition{
		Required: []string{KeyBreakerBlock},
		AnyOf:    [][]string{priceGroup},
		Optional: []string{KeyTolerance, KeyTimeframe},
	})
	r.Register("fvg", StrategyDefinition{
		Required: []string{KeyFVG},
		AnyOf:    [][]string{priceGroup},
		Optional: []string{KeyTolerance, KeyTimeframe},
	})
	r.Register("structure_shift", StrategyDefinition{
		AnyOf:    [][]string{{KeyCHOCH, KeyBOS}},
		Optional: append([]string{KeyTolerance, KeyTimeframe}, priceGroup...),
	})
	r.Register("order_flow", StrategyDefinition{
		AnyOf:    [][]string{{KeyCVDSlopeMin, KeyCVDSlopeMax, KeyDeltaVolumeMin, KeyAbsorption}},
		Optional: append([]string{KeyTimeframe, KeySpreadMax, KeyVolatilityMin, KeyVolatilityMax}, priceGroup...),
	})
	r.Register("confluence", StrategyDefinition{
		Required:        []string{KeyMinConfluence},
		Optional:        append([]string{KeyTimeframe}, priceGroup...),
		ConfidenceField: KeyConfluenceScore,
	})
	r.Register("session_breakout", StrategyDefinition{
		Required: []string{KeySession},
		AnyOf:    [][]string{priceGroup},
		Optional: []string{KeyTolerance, KeyTimeframe},
	})
	return r
}

// Register adds or replaces a strategy definition.
func (r *Registry) Register(strategyType string, def StrategyDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[strategyType] = def
}

// Schema returns the definition for a strategy type.
func (r *Registry) Schema(strategyType string) (StrategyDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[strategyType]
	if !ok {
		return StrategyDefinition{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategyType)
	}
	return def, nil
}

// Strategies lists the registered strategy type names.
func (r *Registry) Strategies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}

// Validate checks a condition map against the schema for its strategy type.
// Keys outside the schema are tolerated for forward compatibility; missing
// required keys or an empty disjunctive group are errors.
func (r *Registry) Validate(strategyType string, conditions map[string]interface{}) error {
	def, err := r.Schema(strategyType)
	if err != nil {
		return err
	}
	for _, key := range def.Required {
		if _, ok := conditions[key]; !ok {
			return fmt.Errorf("strategy %q: missing required condition %q", strategyType, key)
		}
	}
	for _, group := range def.AnyOf {
		found := false
		for _, key := range group {
			if _, ok := conditions[key]; ok {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("strategy %q: at least one of %v is required", strategyType, group)
		}
	}
	return nil
}
