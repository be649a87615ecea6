package conditions

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sawpanic/planrun/internal/marketdata"
)

// Condition keys recognized by the evaluator, grouped by family.
const (
	// Price family.
	KeyPriceBelow = "price_below"
	KeyPriceAbove = "price_above"
	KeyPriceNear  = "price_near"
	KeyTolerance  = "tolerance" // modifier for price_near

	// Structure family, matched against snapshot signals.
	KeyLiquiditySweep = "liquidity_sweep"
	KeyCHOCH          = "choch"
	KeyBOS            = "bos"
	KeyOrderBlock     = "order_block"
	KeyBreakerBlock   = "breaker_block"
	KeyFVG            = "fvg"

	// Order-flow family.
	KeyCVDSlopeMin    = "cvd_slope_min"
	KeyCVDSlopeMax    = "cvd_slope_max"
	KeyDeltaVolumeMin = "delta_volume_min"
	KeyAbsorption     = "absorption"
	KeySpreadMax      = "spread_max"
	KeyVolatilityMin  = "volatility_min"
	KeyVolatilityMax  = "volatility_max"

	// Session family.
	KeySession = "session"

	// Confluence family.
	KeyMinConfluence   = "min_confluence"
	KeyConfluenceScore = "confluence_score"

	// Modifier selecting the timeframe predicates are checked on.
	KeyTimeframe = "timeframe"
)

// Outcome is the ternary evaluation result. Missing or unavailable data yields
// NotYet and is never coerced to a satisfied or failed condition.
type Outcome int

const (
	NotYet Outcome = iota
	Satisfied
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case Satisfied:
		return "satisfied"
	case Invalid:
		return "invalid"
	default:
		return "not_yet"
	}
}

// Result carries the outcome and a human-readable reason for observability.
type Result struct {
	Outcome Outcome
	Reason  string
}

// Aux carries evaluation context that is not part of the market snapshot:
// the evaluation clock and flags contributed by auxiliary subsystems.
type Aux struct {
	Now   time.Time
	Flags map[string]bool
}

// Evaluator evaluates plan conditions against market snapshots. It executes
// the registry's declared schema literally: keys combine by AND except inside
// a declared disjunctive group, which combines by OR.
type Evaluator struct {
	registry *Registry
}

// NewEvaluator creates an evaluator backed by the given registry.
func NewEvaluator(registry *Registry) *Evaluator {
	return &Evaluator{registry: registry}
}

// Evaluate is a pure function of its inputs. Unknown strategy types are
// Invalid; unknown condition keys are ignored for forward compatibility.
func (e *Evaluator) Evaluate(strategyType string, conds map[string]interface{}, snap *marketdata.Snapshot, aux Aux) Result {
	def, err := e.registry.Schema(strategyType)
	if err != nil {
		return Result{Outcome: Invalid, Reason: err.Error()}
	}
	if aux.Now.IsZero() {
		aux.Now = time.Now().UTC()
	}

	tf, res := evalTimeframe(conds)
	if res != nil {
		return *res
	}

	groupOf := make(map[string]int)
	for i, group := range def.AnyOf {
		for _, key := range group {
			groupOf[key] = i
		}
	}

	andOutcomes := make([]Result, 0, len(conds))
	groupOutcomes := make(map[int][]Result)
	for key, raw := range conds {
		if key == KeyTolerance || key == KeyTimeframe || key == KeyConfluenceScore {
			continue
		}
		r, known := e.evalOne(key, raw, conds, snap, tf, aux)
		if !known {
			continue // forward-compatible: unrecognized key
		}
		if idx, grouped := groupOf[key]; grouped {
			groupOutcomes[idx] = append(groupOutcomes[idx], r)
		} else {
			andOutcomes = append(andOutcomes, r)
		}
	}
	for _, rs := range groupOutcomes {
		andOutcomes = append(andOutcomes, combineOr(rs))
	}
	if len(andOutcomes) == 0 {
		return Result{Outcome: Invalid, Reason: "no evaluable conditions"}
	}
	return combineAnd(andOutcomes)
}

// combineAnd: all satisfied wins; any invalid poisons; otherwise not yet.
func combineAnd(rs []Result) Result {
	pending := ""
	for _, r := range rs {
		switch r.Outcome {
		case Invalid:
			return r
		case NotYet:
			if pending == "" {
				pending = r.Reason
			}
		}
	}
	if pending != "" {
		return Result{Outcome: NotYet, Reason: pending}
	}
	return Result{Outcome: Satisfied, Reason: "all conditions satisfied"}
}

// combineOr: any satisfied wins; all invalid is invalid; otherwise not yet.
func combineOr(rs []Result) Result {
	invalid := 0
	pending := ""
	for _, r := range rs {
		switch r.Outcome {
		case Satisfied:
			return r
		case Invalid:
			invalid++
			pending = r.Reason
		default:
			if pending == "" {
				pending = r.Reason
			}
		}
	}
	if invalid == len(rs) && len(rs) > 0 {
		return Result{Outcome: Invalid, Reason: pending}
	}
	return Result{Outcome: NotYet, Reason: pending}
}

// evalOne evaluates a single condition key. The second return is false for
// keys the evaluator does not recognize.
func (e *Evaluator) evalOne(key string, raw interface{}, conds map[string]interface{}, snap *marketdata.Snapshot, tf marketdata.Timeframe, aux Aux) (Result, bool) {
	switch key {
	case KeyPriceBelow, KeyPriceAbove, KeyPriceNear:
		return evalPrice(key, raw, conds, snap), true
	case KeyLiquiditySweep, KeyCHOCH, KeyBOS, KeyOrderBlock, KeyBreakerBlock, KeyFVG, KeyAbsorption:
		return evalSignal(key, raw, snap, tf, aux), true
	case KeyCVDSlopeMin, KeyCVDSlopeMax, KeyDeltaVolumeMin, KeySpreadMax, KeyVolatilityMin, KeyVolatilityMax:
		return evalFlow(key, raw, snap, tf), true
	case KeySession:
		return evalSession(raw, aux.Now), true
	case KeyMinConfluence:
		return evalConfluence(raw, conds, snap, tf), true
	}
	return Result{}, false
}

func evalPrice(key string, raw interface{}, conds map[string]interface{}, snap *marketdata.Snapshot) Result {
	target, ok := asFloat(raw)
	if !ok {
		return Result{Outcome: Invalid, Reason: fmt.Sprintf("%s: expected number, got %T", key, raw)}
	}
	if snap == nil || snap.Price <= 0 {
		return Result{Outcome: NotYet, Reason: "no current price"}
	}
	price := snap.Price
	switch key {
	case KeyPriceBelow:
		if price < target {
			return Result{Outcome: Satisfied, Reason: fmt.Sprintf("price %.5f below %.5f", price, target)}
		}
		return Result{Outcome: NotYet, Reason: fmt.Sprintf("price %.5f not below %.5f", price, target)}
	case KeyPriceAbove:
		if price > target {
			return Result{Outcome: Satisfied, Reason: fmt.Sprintf("price %.5f above %.5f", price, target)}
		}
		return Result{Outcome: NotYet, Reason: fmt.Sprintf("price %.5f not above %.5f", price, target)}
	default: // KeyPriceNear
		tol := defaultTolerance(target)
		if rawTol, present := conds[KeyTolerance]; present {
			t, tok := asFloat(rawTol)
			if !tok || t <= 0 {
				return Result{Outcome: Invalid, Reason: "tolerance: expected positive number"}
			}
			tol = t
		}
		if math.Abs(price-target) <= tol {
			return Result{Outcome: Satisfied, Reason: fmt.Sprintf("price %.5f within %.5f of %.5f", price, tol, target)}
		}
		return Result{Outcome: NotYet, Reason: fmt.Sprintf("price %.5f not within %.5f of %.5f", price, tol, target)}
	}
}

func evalSignal(key string, raw interface{}, snap *marketdata.Snapshot, tf marketdata.Timeframe, aux Aux) Result {
	expected, ok := asBool(raw)
	if !ok {
		return Result{Outcome: Invalid, Reason: fmt.Sprintf("%s: expected boolean, got %T", key, raw)}
	}
	// Auxiliary flags (e.g. computed by an external analyzer) take precedence
	// over snapshot-derived signals.
	if v, known := aux.Flags[key]; known {
		if v == expected {
			return Result{Outcome: Satisfied, Reason: fmt.Sprintf("%s=%v (aux)", key, v)}
		}
		return Result{Outcome: NotYet, Reason: fmt.Sprintf("%s=%v, want %v (aux)", key, v, expected)}
	}
	value, known := snap.Signal(tf, key)
	if !known {
		return Result{Outcome: NotYet, Reason: fmt.Sprintf("%s: no data", key)}
	}
	if value == expected {
		return Result{Outcome: Satisfied, Reason: fmt.Sprintf("%s=%v", key, value)}
	}
	return Result{Outcome: NotYet, Reason: fmt.Sprintf("%s=%v, want %v", key, value, expected)}
}

func evalFlow(key string, raw interface{}, snap *marketdata.Snapshot, tf marketdata.Timeframe) Result {
	threshold, ok := asFloat(raw)
	if !ok {
		return Result{Outcome: Invalid, Reason: fmt.Sprintf("%s: expected number, got %T", key, raw)}
	}
	frame, ok := pickFrame(snap, tf)
	if !ok {
		return Result{Outcome: NotYet, Reason: fmt.Sprintf("%s: no frame data", key)}
	}
	flow := frame.Flow
	var actual float64
	var pass bool
	switch key {
	case KeyCVDSlopeMin:
		actual, pass = flow.CVDSlope, flow.CVDSlope >= threshold
	case KeyCVDSlopeMax:
		actual, pass = flow.CVDSlope, flow.CVDSlope <= threshold
	case KeyDeltaVolumeMin:
		actual, pass = flow.DeltaVolume, flow.DeltaVolume >= threshold
	case KeySpreadMax:
		actual, pass = flow.AvgSpread, flow.AvgSpread <= threshold
	case KeyVolatilityMin:
		actual, pass = flow.VolatilityRatio, flow.VolatilityRatio >= threshold
	case KeyVolatilityMax:
		actual, pass = flow.VolatilityRatio, flow.VolatilityRatio <= threshold
	}
	if pass {
		return Result{Outcome: Satisfied, Reason: fmt.Sprintf("%s: %.4f vs %.4f", key, actual, threshold)}
	}
	return Result{Outcome: NotYet, Reason: fmt.Sprintf("%s: %.4f vs %.4f", key, actual, threshold)}
}

// Trading session windows in UTC hours, with the usual London/NY overlap.
var sessions = map[string][2]int{
	"asia":     {0, 9},
	"london":   {7, 16},
	"new_york": {12, 21},
}

func evalSession(raw interface{}, now time.Time) Result {
	name, ok := raw.(string)
	if !ok {
		return Result{Outcome: Invalid, Reason: fmt.Sprintf("session: expected string, got %T", raw)}
	}
	window, known := sessions[strings.ToLower(strings.TrimSpace(name))]
	if !known {
		return Result{Outcome: Invalid, Reason: fmt.Sprintf("session: unknown session %q", name)}
	}
	hour := now.UTC().Hour()
	if hour >= window[0] && hour < window[1] {
		return Result{Outcome: Satisfied, Reason: fmt.Sprintf("inside %s session", name)}
	}
	return Result{Outcome: NotYet, Reason: fmt.Sprintf("outside %s session (hour %d)", name, hour)}
}

func evalConfluence(raw interface{}, conds map[string]interface{}, snap *marketdata.Snapshot, tf marketdata.Timeframe) Result {
	threshold, ok := asFloat(raw)
	if !ok {
		return Result{Outcome: Invalid, Reason: fmt.Sprintf("min_confluence: expected number, got %T", raw)}
	}
	// An externally supplied score wins over the snapshot-derived one.
	if rawScore, present := conds[KeyConfluenceScore]; present {
		score, sok := asFloat(rawScore)
		if !sok {
			return Result{Outcome: Invalid, Reason: "confluence_score: expected number"}
		}
		return confluenceResult(score, threshold)
	}
	frame, ok := pickFrame(snap, tf)
	if !ok {
		return Result{Outcome: NotYet, Reason: "min_confluence: no frame data"}
	}
	score := 0.0
	for _, v := range frame.Signals {
		if v {
			score += 20
		}
	}
	if score > 100 {
		score = 100
	}
	return confluenceResult(score, threshold)
}

func confluenceResult(score, threshold float64) Result {
	if score >= threshold {
		return Result{Outcome: Satisfied, Reason: fmt.Sprintf("confluence %.1f >= %.1f", score, threshold)}
	}
	return Result{Outcome: NotYet, Reason: fmt.Sprintf("confluence %.1f < %.1f", score, threshold)}
}

// evalTimeframe parses the optional timeframe modifier. A malformed value is
// an Invalid result for the whole condition set.
func evalTimeframe(conds map[string]interface{}) (marketdata.Timeframe, *Result) {
	raw, present := conds[KeyTimeframe]
	if !present {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", &Result{Outcome: Invalid, Reason: fmt.Sprintf("timeframe: expected string, got %T", raw)}
	}
	tf, err := marketdata.ParseTimeframe(s)
	if err != nil {
		return "", &Result{Outcome: Invalid, Reason: err.Error()}
	}
	return tf, nil
}

// pickFrame resolves the frame predicates are checked on: the requested
// timeframe, else M15, else the lowest available timeframe.
func pickFrame(snap *marketdata.Snapshot, tf marketdata.Timeframe) (*marketdata.Frame, bool) {
	if snap == nil || len(snap.Frames) == 0 {
		return nil, false
	}
	if tf != "" {
		return snap.Frame(tf)
	}
	if f, ok := snap.Frame(marketdata.M15); ok {
		return f, true
	}
	var lowest marketdata.Timeframe
	for candidate := range snap.Frames {
		if lowest == "" || candidate.Duration() < lowest.Duration() {
			lowest = candidate
		}
	}
	return snap.Frame(lowest)
}

// defaultTolerance derives the price_near tolerance from the instrument's
// price scale: one part in ten thousand of the target's order of magnitude.
func defaultTolerance(target float64) float64 {
	if target == 0 {
		return 1e-5
	}
	magnitude := math.Floor(math.Log10(math.Abs(target)))
	tol := math.Pow(10, magnitude-3)
	if tol < 1e-5 {
		return 1e-5
	}
	return tol
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func asBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return parsed, err == nil
	}
	return false, false
}
