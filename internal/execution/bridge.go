package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// BridgeGateway talks to the local broker bridge sidecar over HTTP. The
// sidecar fronts the actual terminal connection; this client only normalizes
// requests, applies rate limiting, and classifies failures.
type BridgeGateway struct {
	base    string
	hc      *http.Client
	limiter *rate.Limiter
}

// NewBridgeGateway creates a client for the bridge at base, e.g.
// "http://127.0.0.1:8787".
func NewBridgeGateway(base string) *BridgeGateway {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = "http://127.0.0.1:8787"
	}
	return &BridgeGateway{
		base:    base,
		hc:      &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
}

type bridgeOrderResponse struct {
	Ticket   string  `json:"ticket"`
	Price    float64 `json:"price"`
	Rejected bool    `json:"rejected"`
	Reason   string  `json:"reason,omitempty"`
}

func (g *BridgeGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+"/order", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build order request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("order request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read order response: %w", err)
	}
	// 4xx means the broker looked at the order and refused it, except
	// timeouts and throttling, which carry no verdict on the order itself.
	// Anything else non-200 is a transport-level failure and stays retryable.
	switch {
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("order request failed with status %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, wrapRejection(fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("order request failed with status %d", resp.StatusCode)
	}

	var parsed bridgeOrderResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode order response: %w", err)
	}
	if parsed.Rejected {
		return nil, wrapRejection(parsed.Reason)
	}
	if parsed.Ticket == "" {
		return nil, fmt.Errorf("bridge returned no ticket")
	}

	log.Info().Str("plan_id", req.PlanID).Str("symbol", req.Symbol).
		Str("ticket", parsed.Ticket).Float64("price", parsed.Price).
		Msg("order placed")
	return &OrderResult{Ticket: parsed.Ticket, Price: parsed.Price, PlacedAt: time.Now()}, nil
}

func (g *BridgeGateway) CloseOrder(ctx context.Context, ticket string) (*CloseResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	u := fmt.Sprintf("%s/order/%s/close", g.base, url.PathEscape(ticket))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build close request: %w", err)
	}

	resp, err := g.hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("close request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("close request failed with status %d", resp.StatusCode)
	}
	var parsed struct {
		ExitPrice float64 `json:"exit_price"`
		Profit    float64 `json:"profit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode close response: %w", err)
	}
	return &CloseResult{ExitPrice: parsed.ExitPrice, Profit: parsed.Profit, ClosedAt: time.Now()}, nil
}
