// Package quotes supplies live prices to the intraday monitor. Real market
// data lives behind external providers; the sim source here supports paper
// trading and tests.
package quotes

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Source provides the current price for a symbol.
type Source interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// SimSource generates a bounded random walk per symbol. Symbols first seen
// via Seed start at that price; unknown symbols start at a default.
type SimSource struct {
	mu         sync.Mutex
	last       map[string]float64
	volatility float64
	rng        *rand.Rand
}

// NewSimSource creates a sim source with per-tick volatility as a decimal
// (e.g. 0.005 for 0.5% moves).
func NewSimSource(volatility float64) *SimSource {
	if volatility <= 0 {
		volatility = 0.005
	}
	return &SimSource{
		last:       make(map[string]float64),
		volatility: volatility,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed sets the starting price for a symbol.
func (s *SimSource) Seed(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[symbol] = price
}

func (s *SimSource) Price(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	px, ok := s.last[symbol]
	if !ok {
		px = 100.0
	}
	move := (s.rng.Float64()*2 - 1) * s.volatility
	px *= 1 + move
	if px < 0.01 {
		px = 0.01
	}
	s.last[symbol] = px
	return px, nil
}

// Fixed returns the same price for every symbol it was given. Test helper.
type Fixed map[string]float64

func (f Fixed) Price(_ context.Context, symbol string) (float64, error) {
	px, ok := f[symbol]
	if !ok {
		return 0, fmt.Errorf("no fixed price for %s", symbol)
	}
	return px, nil
}
