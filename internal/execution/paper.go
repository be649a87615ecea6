package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// PaperGateway simulates execution in memory for dry runs and tests. Orders
// fill instantly at the requested entry price and never touch a broker.
type PaperGateway struct {
	mu     sync.Mutex
	orders map[string]OrderRequest
}

// NewPaperGateway creates an empty paper gateway.
func NewPaperGateway() *PaperGateway {
	return &PaperGateway{orders: make(map[string]OrderRequest)}
}

func (g *PaperGateway) PlaceOrder(_ context.Context, req OrderRequest) (*OrderResult, error) {
	if req.Volume <= 0 {
		return nil, wrapRejection("volume must be positive")
	}
	ticket := uuid.NewString()

	g.mu.Lock()
	g.orders[ticket] = req
	g.mu.Unlock()

	log.Info().Str("plan_id", req.PlanID).Str("symbol", req.Symbol).
		Str("ticket", ticket).Msg("paper order filled")
	return &OrderResult{Ticket: ticket, Price: req.EntryPrice, PlacedAt: time.Now()}, nil
}

func (g *PaperGateway) CloseOrder(_ context.Context, ticket string) (*CloseResult, error) {
	g.mu.Lock()
	req, ok := g.orders[ticket]
	delete(g.orders, ticket)
	g.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown ticket: %s", ticket)
	}
	return &CloseResult{ExitPrice: req.EntryPrice, Profit: 0, ClosedAt: time.Now()}, nil
}

// OpenOrders returns the number of simulated open positions.
func (g *PaperGateway) OpenOrders() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.orders)
}
