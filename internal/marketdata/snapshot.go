package marketdata

import (
	"math"
	"time"
)

// Signal names attached to snapshot frames. Conditions reference these keys.
const (
	SignalLiquiditySweep = "liquidity_sweep"
	SignalCHOCH          = "choch"
	SignalBOS            = "bos"
	SignalOrderBlock     = "order_block"
	SignalBreakerBlock   = "breaker_block"
	SignalFVG            = "fvg"
	SignalAbsorption     = "absorption"
)

// swingLookback is the number of prior candles scanned for swing highs/lows
// when detecting sweeps and structure breaks.
const swingLookback = 10

// BuildSnapshot derives order-flow metrics and structural signals for each
// fetched timeframe. The price is taken from the quote when available,
// otherwise from the close of the lowest fetched timeframe.
func BuildSnapshot(symbol string, series map[Timeframe]*Series, quote *Quote, now time.Time) *Snapshot {
	snap := &Snapshot{
		Symbol: symbol,
		At:     now,
		Frames: make(map[Timeframe]*Frame, len(series)),
	}
	var lowest Timeframe
	for tf, s := range series {
		if s == nil {
			continue
		}
		flow := deriveFlow(s.Candles)
		snap.Frames[tf] = &Frame{
			Series: s,
			Flow:   flow,
			Signals: map[string]bool{
				SignalLiquiditySweep: detectLiquiditySweep(s.Candles),
				SignalCHOCH:          detectCHOCH(s.Candles),
				SignalBOS:            detectBOS(s.Candles),
				SignalOrderBlock:     detectOrderBlock(s.Candles),
				SignalBreakerBlock:   detectBreakerBlock(s.Candles),
				SignalFVG:            detectFVG(s.Candles),
				SignalAbsorption:     flow.Absorption,
			},
		}
		if lowest == "" || tf.Duration() < lowest.Duration() {
			lowest = tf
		}
	}
	switch {
	case quote != nil && quote.Mid() > 0:
		snap.Price = quote.Mid()
	case lowest != "":
		if latest, ok := snap.Frames[lowest].Series.Latest(); ok {
			snap.Price = latest.Close
		}
	}
	return snap
}

// deriveFlow computes delta volume, cumulative volume delta and its slope,
// the volatility ratio of recent vs older ranges, and spread statistics.
// Candle-level delta is approximated by signing volume with candle direction.
func deriveFlow(candles []Candle) OrderFlow {
	var flow OrderFlow
	if len(candles) == 0 {
		return flow
	}

	cvdPoints := make([]float64, 0, len(candles))
	cvd := 0.0
	var spreadSum float64
	for _, c := range candles {
		delta := c.Volume
		if !c.Bullish() {
			delta = -c.Volume
		}
		cvd += delta
		cvdPoints = append(cvdPoints, cvd)
		spreadSum += c.Spread
		if c.Spread > flow.MaxSpread {
			flow.MaxSpread = c.Spread
		}
	}
	last := candles[len(candles)-1]
	if last.Bullish() {
		flow.DeltaVolume = last.Volume
	} else {
		flow.DeltaVolume = -last.Volume
	}
	flow.CVD = cvd
	flow.CVDSlope = slope(cvdPoints)
	flow.AvgSpread = spreadSum / float64(len(candles))
	flow.VolatilityRatio = volatilityRatio(candles)

	// Absorption: heavy volume on the latest candle with an unusually small
	// body relative to its range, i.e. aggression met by passive liquidity.
	if len(candles) >= 5 {
		avgVol := 0.0
		for _, c := range candles[len(candles)-5:] {
			avgVol += c.Volume
		}
		avgVol /= 5
		body := math.Abs(last.Close - last.Open)
		if last.Range() > 0 && avgVol > 0 {
			flow.Absorption = last.Volume > 1.5*avgVol && body < 0.3*last.Range()
		}
	}
	return flow
}

// slope fits a least-squares line through equally spaced points.
func slope(points []float64) float64 {
	n := float64(len(points))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range points {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// volatilityRatio compares the average range of the last 5 candles to the
// average range of the 20 before them. >1 means volatility is expanding.
func volatilityRatio(candles []Candle) float64 {
	if len(candles) < 10 {
		return 1
	}
	recent := candles[len(candles)-5:]
	baseStart := len(candles) - 25
	if baseStart < 0 {
		baseStart = 0
	}
	base := candles[baseStart : len(candles)-5]
	avg := func(cs []Candle) float64 {
		if len(cs) == 0 {
			return 0
		}
		sum := 0.0
		for _, c := range cs {
			sum += c.Range()
		}
		return sum / float64(len(cs))
	}
	baseAvg := avg(base)
	if baseAvg == 0 {
		return 1
	}
	return avg(recent) / baseAvg
}

// detectLiquiditySweep looks for a wick beyond the prior swing extreme with a
// close back inside the range: stop hunts above highs or below lows.
func detectLiquiditySweep(candles []Candle) bool {
	if len(candles) < swingLookback+1 {
		return false
	}
	last := candles[len(candles)-1]
	prior := candles[len(candles)-1-swingLookback : len(candles)-1]
	hi, lo := extremes(prior)
	sweepHigh := last.High > hi && last.Close < hi
	sweepLow := last.Low < lo && last.Close > lo
	return sweepHigh || sweepLow
}

// detectBOS flags a break of structure: a close beyond the prior swing extreme
// in the direction of the move.
func detectBOS(candles []Candle) bool {
	if len(candles) < swingLookback+1 {
		return false
	}
	last := candles[len(candles)-1]
	prior := candles[len(candles)-1-swingLookback : len(candles)-1]
	hi, lo := extremes(prior)
	return last.Close > hi || last.Close < lo
}

// detectCHOCH flags a change of character: the latest close breaks structure
// against the direction of the preceding trend leg.
func detectCHOCH(candles []Candle) bool {
	if len(candles) < swingLookback+2 {
		return false
	}
	last := candles[len(candles)-1]
	prior := candles[len(candles)-1-swingLookback : len(candles)-1]
	hi, lo := extremes(prior)
	trendUp := prior[len(prior)-1].Close > prior[0].Close
	if trendUp {
		return last.Close < lo
	}
	return last.Close > hi
}

// detectOrderBlock: the candle before an impulsive displacement in the
// opposite direction, with the displacement at least twice the block's body.
func detectOrderBlock(candles []Candle) bool {
	if len(candles) < 3 {
		return false
	}
	block := candles[len(candles)-2]
	impulse := candles[len(candles)-1]
	blockBody := math.Abs(block.Close - block.Open)
	impulseBody := math.Abs(impulse.Close - impulse.Open)
	if blockBody == 0 || impulseBody < 2*blockBody {
		return false
	}
	return block.Bullish() != impulse.Bullish()
}

// detectBreakerBlock: an order block that price traded through and is now
// retesting from the other side.
func detectBreakerBlock(candles []Candle) bool {
	if len(candles) < 6 {
		return false
	}
	last := candles[len(candles)-1]
	for i := len(candles) - 5; i < len(candles)-2; i++ {
		block := candles[i]
		broke := candles[i+1].Close > block.High || candles[i+1].Close < block.Low
		if !broke {
			continue
		}
		retest := last.Low <= block.High && last.High >= block.Low
		if retest {
			return true
		}
	}
	return false
}

// detectFVG flags a fair value gap: a three-candle pattern where the first and
// third candles' wicks do not overlap, leaving an unfilled imbalance.
func detectFVG(candles []Candle) bool {
	if len(candles) < 3 {
		return false
	}
	a := candles[len(candles)-3]
	c := candles[len(candles)-1]
	return c.Low > a.High || c.High < a.Low
}

func extremes(candles []Candle) (hi, lo float64) {
	hi = math.Inf(-1)
	lo = math.Inf(1)
	for _, c := range candles {
		if c.High > hi {
			hi = c.High
		}
		if c.Low < lo {
			lo = c.Low
		}
	}
	return hi, lo
}
