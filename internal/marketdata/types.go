package marketdata

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Timeframe identifies a candle aggregation period using broker-style names.
type Timeframe string

const (
	M1  Timeframe = "M1"
	M5  Timeframe = "M5"
	M15 Timeframe = "M15"
	M30 Timeframe = "M30"
	H1  Timeframe = "H1"
	H4  Timeframe = "H4"
	D1  Timeframe = "D1"
)

// Duration returns the wall-clock length of one candle on this timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case M1:
		return time.Minute
	case M5:
		return 5 * time.Minute
	case M15:
		return 15 * time.Minute
	case M30:
		return 30 * time.Minute
	case H1:
		return time.Hour
	case H4:
		return 4 * time.Hour
	case D1:
		return 24 * time.Hour
	}
	return 0
}

// Valid reports whether the timeframe is one of the supported periods.
func (tf Timeframe) Valid() bool {
	return tf.Duration() > 0
}

// ParseTimeframe normalizes a wire-format timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToUpper(strings.TrimSpace(s)))
	if !tf.Valid() {
		return "", fmt.Errorf("invalid timeframe: %q", s)
	}
	return tf, nil
}

// Candle is a single OHLCV bar with the average quoted spread over the bar.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	Spread float64   `json:"spread,omitempty"`
}

// Bullish reports whether the candle closed above its open.
func (c Candle) Bullish() bool { return c.Close > c.Open }

// Range returns the high-low extent of the candle.
func (c Candle) Range() float64 { return c.High - c.Low }

// Series is an ordered (oldest first) run of candles for one symbol/timeframe.
type Series struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Candles   []Candle  `json:"candles"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Latest returns the most recent candle in the series.
func (s *Series) Latest() (Candle, bool) {
	if s == nil || len(s.Candles) == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}

// Fresh reports whether the latest candle is newer than now minus the window.
func (s *Series) Fresh(now time.Time, window time.Duration) bool {
	latest, ok := s.Latest()
	if !ok {
		return false
	}
	return latest.Time.After(now.Add(-window))
}

// Quote is a live bid/ask snapshot for one symbol.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// Mid returns the quote midpoint.
func (q Quote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

// OrderFlow holds the derived order-flow metrics for one timeframe.
type OrderFlow struct {
	DeltaVolume     float64 `json:"delta_volume"`
	CVD             float64 `json:"cvd"`
	CVDSlope        float64 `json:"cvd_slope"`
	VolatilityRatio float64 `json:"volatility_ratio"`
	AvgSpread       float64 `json:"avg_spread"`
	MaxSpread       float64 `json:"max_spread"`
	Absorption      bool    `json:"absorption"`
}

// Frame bundles a candle series with its derived metrics and structural signals.
type Frame struct {
	Series  *Series         `json:"series"`
	Flow    OrderFlow       `json:"flow"`
	Signals map[string]bool `json:"signals"`
}

// Snapshot is the multi-timeframe market view handed to the condition evaluator.
type Snapshot struct {
	Symbol string               `json:"symbol"`
	Price  float64              `json:"price"`
	At     time.Time            `json:"at"`
	Frames map[Timeframe]*Frame `json:"frames"`
}

// Frame returns the frame for a timeframe if present.
func (s *Snapshot) Frame(tf Timeframe) (*Frame, bool) {
	if s == nil {
		return nil, false
	}
	f, ok := s.Frames[tf]
	return f, ok
}

// Signal looks a structural signal up on a specific timeframe, or on any
// timeframe when tf is empty. The second return distinguishes "signal absent
// from the snapshot" from "signal present and false": absent data must read
// as insufficient evidence, never as a failed condition.
func (s *Snapshot) Signal(tf Timeframe, name string) (value, ok bool) {
	if s == nil {
		return false, false
	}
	if tf != "" {
		f, present := s.Frames[tf]
		if !present {
			return false, false
		}
		v, known := f.Signals[name]
		return v, known
	}
	found := false
	for _, f := range s.Frames {
		if v, known := f.Signals[name]; known {
			found = true
			if v {
				return true, true
			}
		}
	}
	return false, found
}

// CacheKey builds the canonical cache key for a symbol and timeframe set:
// symbol plus the sorted timeframes, so permuted requests share one entry.
func CacheKey(symbol string, timeframes []Timeframe) string {
	names := make([]string, len(timeframes))
	for i, tf := range timeframes {
		names[i] = string(tf)
	}
	sort.Strings(names)
	return symbol + ":" + strings.Join(names, ",")
}
