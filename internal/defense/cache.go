// Package defense answers "is this position in defensive mode?" before the
// engine takes automated action on it. Answers come from a remote risk
// subsystem through a two-tier cache: a short fresh tier consulted first and
// a longer last-known-good tier used only when live queries fail.
package defense

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// TradeState is the remote risk subsystem's view of one open position.
type TradeState struct {
	Ticket    string    `json:"ticket"`
	State     string    `json:"state"`
	Defensive bool      `json:"defensive"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Client queries the remote risk subsystem.
type Client interface {
	GetTradeState(ctx context.Context, ticket string) (*TradeState, error)
}

// Verdict is the checker's answer. Degraded verdicts mean every tier was
// exhausted and the default was used; Source records which tier answered.
type Verdict struct {
	Defensive bool   `json:"defensive"`
	State     string `json:"state"`
	Source    string `json:"source"` // fresh | live | last_known_good | default
	Degraded  bool   `json:"degraded"`
}

// Config tunes the cache tiers and the live query.
type Config struct {
	FreshTTL     time.Duration `yaml:"fresh_ttl"`
	LastGoodTTL  time.Duration `yaml:"last_good_ttl"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	Attempts     int           `yaml:"attempts"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FreshTTL:     10 * time.Second,
		LastGoodTTL:  30 * time.Second,
		QueryTimeout: 2 * time.Second,
		Attempts:     2,
	}
}

// KV is the byte-value cache behind the last-known-good tier. The in-memory
// implementation is the default; Redis is used when REDIS_ADDR is set so
// several engine instances can share last-known-good state.
type KV interface {
	Get(key string) ([]byte, bool)
	Set(key string, val []byte, ttl time.Duration)
}

type memoryKV struct {
	mu sync.Mutex
	m  map[string]memEntry
}

type memEntry struct {
	b   []byte
	exp time.Time
}

// NewMemoryKV returns an in-process KV.
func NewMemoryKV() KV { return &memoryKV{m: make(map[string]memEntry)} }

func (c *memoryKV) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || time.Now().After(e.exp) {
		return nil, false
	}
	return e.b, true
}

func (c *memoryKV) Set(key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = memEntry{b: append([]byte(nil), val...), exp: time.Now().Add(ttl)}
}

type redisKV struct{ r *redis.Client }

// NewAutoKV returns a Redis-backed KV when REDIS_ADDR is set, else memory.
func NewAutoKV() KV {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return &redisKV{r: redis.NewClient(&redis.Options{Addr: addr})}
	}
	return NewMemoryKV()
}

func (r *redisKV) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	v, err := r.r.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (r *redisKV) Set(key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = r.r.Set(ctx, key, val, ttl).Err()
}

// Checker is the two-tier defensive-state cache.
type Checker struct {
	client  Client
	cfg     Config
	breaker *gobreaker.CircuitBreaker

	mu    sync.Mutex
	fresh map[string]freshEntry

	lastGood KV

	onDegraded func() // metrics hook, optional
}

type freshEntry struct {
	state TradeState
	exp   time.Time
}

// NewChecker builds a checker over the given client and last-known-good KV.
func NewChecker(client Client, lastGood KV, cfg Config) *Checker {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	settings := gobreaker.Settings{
		Name:     "defense",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Checker{
		client:   client,
		cfg:      cfg,
		breaker:  gobreaker.NewCircuitBreaker(settings),
		fresh:    make(map[string]freshEntry),
		lastGood: lastGood,
	}
}

// OnDegraded registers a hook invoked whenever the default answer is used.
func (c *Checker) OnDegraded(fn func()) { c.onDegraded = fn }

// IsDefensive resolves the defensive state for a ticket. Tier order: fresh
// cache, live query (bounded attempts), last-known-good cache, then the
// default "not defensive" flagged as degraded.
func (c *Checker) IsDefensive(ctx context.Context, ticket string) Verdict {
	if state, ok := c.freshGet(ticket); ok {
		return Verdict{Defensive: state.Defensive, State: state.State, Source: "fresh"}
	}

	state, err := c.queryLive(ctx, ticket)
	if err == nil {
		c.store(ticket, *state)
		return Verdict{Defensive: state.Defensive, State: state.State, Source: "live"}
	}
	log.Warn().Err(err).Str("ticket", ticket).Msg("live defensive-state query failed")

	if raw, ok := c.lastGood.Get(lastGoodKey(ticket)); ok {
		var cached TradeState
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			return Verdict{Defensive: cached.Defensive, State: cached.State, Source: "last_known_good"}
		}
	}

	// Every tier exhausted: default to not defensive and flag the answer.
	if c.onDegraded != nil {
		c.onDegraded()
	}
	log.Warn().Str("ticket", ticket).Msg("defensive state unavailable, using degraded default")
	return Verdict{Defensive: false, State: "unknown", Source: "default", Degraded: true}
}

func (c *Checker) queryLive(ctx context.Context, ticket string) (*TradeState, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.Attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.client.GetTradeState(attemptCtx, ticket)
		})
		cancel()
		if err == nil {
			state := res.(*TradeState)
			if state.FetchedAt.IsZero() {
				state.FetchedAt = time.Now()
			}
			return state, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Checker) freshGet(ticket string) (TradeState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.fresh[ticket]
	if !ok || time.Now().After(e.exp) {
		return TradeState{}, false
	}
	return e.state, true
}

func (c *Checker) store(ticket string, state TradeState) {
	c.mu.Lock()
	c.fresh[ticket] = freshEntry{state: state, exp: time.Now().Add(c.cfg.FreshTTL)}
	c.mu.Unlock()

	if raw, err := json.Marshal(state); err == nil {
		c.lastGood.Set(lastGoodKey(ticket), raw, c.cfg.LastGoodTTL)
	}
}

func lastGoodKey(ticket string) string { return "defense:lkg:" + ticket }
