package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrUnavailable is returned when market data cannot be served, not even from
// a cached fallback. Callers skip the affected plan for the current cycle.
var ErrUnavailable = errors.New("market data unavailable")

// Source is the upstream candle/quote provider, typically a broker bridge.
type Source interface {
	GetCandles(ctx context.Context, symbol string, tf Timeframe, count int) (*Series, error)
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
}

// GatewayConfig tunes caching and degradation behaviour.
type GatewayConfig struct {
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	LastGoodTTL     time.Duration `yaml:"last_good_ttl"`
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	MaxMissingFrac  float64       `yaml:"max_missing_frac"`
	MaxCacheEntries int           `yaml:"max_cache_entries"`
	RequestsPerSec  float64       `yaml:"requests_per_sec"`
	Burst           int           `yaml:"burst"`
}

// DefaultGatewayConfig returns the production defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		CacheTTL:        60 * time.Second,
		LastGoodTTL:     10 * time.Minute,
		FreshnessWindow: 5 * time.Minute,
		FetchTimeout:    5 * time.Second,
		MaxMissingFrac:  0.2,
		MaxCacheEntries: DefaultMaxEntries,
		RequestsPerSec:  10,
		Burst:           20,
	}
}

// Gateway serves multi-timeframe candle data through a bounded TTL cache with
// per-timeframe staleness fallback. Upstream calls are rate limited and run
// through a circuit breaker.
type Gateway struct {
	source   Source
	cfg      GatewayConfig
	cache    *Cache // symbol+timeframes -> map[Timeframe]*Series
	lastGood *Cache // symbol:timeframe -> *Series, longer TTL
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	feed     *QuoteFeed // optional, preferred quote source when streaming

	onHit  func() // metrics hooks, optional
	onMiss func()

	now func() time.Time
}

// NewGateway wraps a source with caching and degradation handling.
func NewGateway(source Source, cfg GatewayConfig) *Gateway {
	settings := gobreaker.Settings{
		Name:     "marketdata",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("market data breaker state changed")
		},
	}
	return &Gateway{
		source:   source,
		cfg:      cfg,
		cache:    NewCache(cfg.MaxCacheEntries),
		lastGood: NewCache(4 * cfg.MaxCacheEntries),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		breaker:  gobreaker.NewCircuitBreaker(settings),
		now:      time.Now,
	}
}

// CacheStats exposes hit/miss counts for the primary candle cache.
func (g *Gateway) CacheStats() (hits, misses int64) {
	return g.cache.Stats()
}

// OnCacheEvent registers hooks invoked on candle cache hits and misses.
func (g *Gateway) OnCacheEvent(onHit, onMiss func()) {
	g.onHit = onHit
	g.onMiss = onMiss
}

// UseFeed makes the gateway prefer the streaming quote feed over the REST
// quote endpoint when building snapshots.
func (g *Gateway) UseFeed(feed *QuoteFeed) {
	g.feed = feed
}

// Quote fetches a live quote, bypassing the candle cache.
func (g *Gateway) Quote(ctx context.Context, symbol string) (*Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.FetchTimeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait: %v", ErrUnavailable, err)
	}
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.source.GetQuote(ctx, symbol)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: quote %s: %v", ErrUnavailable, symbol, err)
	}
	return res.(*Quote), nil
}

// Fetch returns candle series for the requested timeframes.
//
// Semantics, in order:
//   - A cache hit inside the TTL is returned without touching the source.
//   - A timeframe whose latest candle is older than the freshness window falls
//     back to the last cached series for that timeframe only; if no fallback
//     exists the whole fetch is unavailable.
//   - Timeframes the source failed to return count as missing; when more than
//     MaxMissingFrac of the request is missing the fetch fails, otherwise a
//     partial map is returned and absent keys mean insufficient evidence.
func (g *Gateway) Fetch(ctx context.Context, symbol string, timeframes []Timeframe, count int) (map[Timeframe]*Series, error) {
	if len(timeframes) == 0 {
		return nil, fmt.Errorf("%w: no timeframes requested", ErrUnavailable)
	}
	now := g.now()
	key := CacheKey(symbol, timeframes)

	if cached, ok := g.cache.Get(key, now); ok {
		if g.onHit != nil {
			g.onHit()
		}
		return cached.(map[Timeframe]*Series), nil
	}
	if g.onMiss != nil {
		g.onMiss()
	}

	result := make(map[Timeframe]*Series, len(timeframes))
	missing := 0
	for _, tf := range timeframes {
		series, err := g.fetchOne(ctx, symbol, tf, count)
		if err != nil {
			log.Debug().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).
				Msg("timeframe fetch failed")
			if fallback := g.fallback(symbol, tf, now); fallback != nil {
				result[tf] = fallback
			} else {
				missing++
			}
			continue
		}
		if !series.Fresh(now, g.cfg.FreshnessWindow) {
			fallback := g.fallback(symbol, tf, now)
			if fallback == nil {
				return nil, fmt.Errorf("%w: %s %s stale with no fallback", ErrUnavailable, symbol, tf)
			}
			result[tf] = fallback
			continue
		}
		result[tf] = series
		g.lastGood.Set(lastGoodKey(symbol, tf), series, g.cfg.LastGoodTTL, now)
	}

	if float64(missing) > g.cfg.MaxMissingFrac*float64(len(timeframes)) {
		return nil, fmt.Errorf("%w: %d of %d timeframes missing for %s", ErrUnavailable, missing, len(timeframes), symbol)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: no data for %s", ErrUnavailable, symbol)
	}

	g.cache.Set(key, result, g.cfg.CacheTTL, now)
	return result, nil
}

// Snapshot fetches candles plus a best-effort quote and derives the evaluator
// input. A failed quote is tolerated; failed candles are not.
func (g *Gateway) Snapshot(ctx context.Context, symbol string, timeframes []Timeframe, count int) (*Snapshot, error) {
	series, err := g.Fetch(ctx, symbol, timeframes, count)
	if err != nil {
		return nil, err
	}
	var quote *Quote
	if g.feed != nil {
		if q, ok := g.feed.Last(symbol); ok {
			quote = &q
		}
	}
	if quote == nil {
		q, err := g.Quote(ctx, symbol)
		if err != nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("quote unavailable, using candle close")
		} else {
			quote = q
		}
	}
	return BuildSnapshot(symbol, series, quote, g.now()), nil
}

func (g *Gateway) fetchOne(ctx context.Context, symbol string, tf Timeframe, count int) (*Series, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.FetchTimeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.source.GetCandles(ctx, symbol, tf, count)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s %s: %w", symbol, tf, err)
	}
	series := res.(*Series)
	if series == nil || len(series.Candles) == 0 {
		return nil, fmt.Errorf("empty series for %s %s", symbol, tf)
	}
	return series, nil
}

func (g *Gateway) fallback(symbol string, tf Timeframe, now time.Time) *Series {
	if v, ok := g.lastGood.Get(lastGoodKey(symbol, tf), now); ok {
		return v.(*Series)
	}
	return nil
}

func lastGoodKey(symbol string, tf Timeframe) string {
	return symbol + ":" + string(tf)
}
