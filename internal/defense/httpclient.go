package defense

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient queries the risk subsystem's trade-state endpoint.
type HTTPClient struct {
	base string
	hc   *http.Client
}

// NewHTTPClient creates a client for the risk subsystem at base.
func NewHTTPClient(base string) *HTTPClient {
	return &HTTPClient{
		base: strings.TrimRight(strings.TrimSpace(base), "/"),
		hc:   &http.Client{Timeout: 5 * time.Second},
	}
}

// GetTradeState fetches the state of one open position by ticket.
func (c *HTTPClient) GetTradeState(ctx context.Context, ticket string) (*TradeState, error) {
	u := fmt.Sprintf("%s/trades/%s/state", c.base, url.PathEscape(ticket))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build trade-state request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trade-state request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trade-state request failed with status %d", resp.StatusCode)
	}

	var state TradeState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode trade state: %w", err)
	}
	state.Ticket = ticket
	state.FetchedAt = time.Now()
	return &state, nil
}
