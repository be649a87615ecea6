package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RESTSource fetches candles and quotes from a JSON market data service.
type RESTSource struct {
	base string
	hc   *http.Client
}

// NewRESTSource creates a source for the service at base.
func NewRESTSource(base string) *RESTSource {
	return &RESTSource{
		base: strings.TrimRight(strings.TrimSpace(base), "/"),
		hc:   &http.Client{Timeout: 10 * time.Second},
	}
}

type restCandle struct {
	Time   int64   `json:"time"` // unix seconds
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
	Spread float64 `json:"spread"`
}

// GetCandles fetches up to count candles for the symbol and timeframe,
// oldest first.
func (s *RESTSource) GetCandles(ctx context.Context, symbol string, tf Timeframe, count int) (*Series, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("timeframe", string(tf))
	q.Set("count", strconv.Itoa(count))

	var raw []restCandle
	if err := s.getJSON(ctx, "/candles?"+q.Encode(), &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch candles: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("no candles returned for %s %s", symbol, tf)
	}

	candles := make([]Candle, len(raw))
	for i, c := range raw {
		candles[i] = Candle{
			Time:   time.Unix(c.Time, 0).UTC(),
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
			Spread: c.Spread,
		}
	}
	return &Series{Symbol: symbol, Timeframe: tf, Candles: candles, FetchedAt: time.Now()}, nil
}

// GetQuote fetches the current bid/ask for the symbol.
func (s *RESTSource) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	q := url.Values{}
	q.Set("symbol", symbol)

	var raw struct {
		Bid  float64 `json:"bid"`
		Ask  float64 `json:"ask"`
		Time int64   `json:"time"`
	}
	if err := s.getJSON(ctx, "/quote?"+q.Encode(), &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch quote: %w", err)
	}
	at := time.Now()
	if raw.Time > 0 {
		at = time.Unix(raw.Time, 0).UTC()
	}
	return &Quote{Symbol: symbol, Bid: raw.Bid, Ask: raw.Ask, Time: at}, nil
}

func (s *RESTSource) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
