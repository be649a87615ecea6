package marketdata

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// QuoteFeed maintains a live last-quote map per symbol from a websocket stream
// pushed by the broker bridge. The monitor loop reads quotes opportunistically;
// a missing or stale quote simply falls back to the REST gateway.
type QuoteFeed struct {
	url     string
	symbols []string

	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewQuoteFeed creates a feed for the given bridge websocket URL.
func NewQuoteFeed(url string, symbols []string) *QuoteFeed {
	return &QuoteFeed{
		url:     url,
		symbols: symbols,
		quotes:  make(map[string]Quote),
	}
}

// Last returns the most recent quote for a symbol, if any has arrived.
func (f *QuoteFeed) Last(symbol string) (Quote, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[symbol]
	return q, ok
}

// Run connects and consumes quotes until the context is cancelled,
// reconnecting with a capped backoff on any failure.
func (f *QuoteFeed) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := f.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("url", f.url).Dur("backoff", backoff).
				Msg("quote feed disconnected, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (f *QuoteFeed) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]interface{}{"op": "subscribe", "symbols": f.symbols}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	log.Info().Str("url", f.url).Strs("symbols", f.symbols).Msg("quote feed connected")

	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var q Quote
		if err := json.Unmarshal(payload, &q); err != nil {
			log.Debug().Err(err).Msg("skipping malformed quote message")
			continue
		}
		if q.Symbol == "" {
			continue
		}
		if q.Time.IsZero() {
			q.Time = time.Now()
		}
		f.mu.Lock()
		f.quotes[q.Symbol] = q
		f.mu.Unlock()
	}
}
