// Package signal accepts trade proposals from the external model. The
// pipeline never originates proposals; it only validates and forwards them.
package signal

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Direction of a proposal.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
	Flat  Direction = "flat"
)

// Proposal is one directional trade suggestion, immutable once issued.
// Exactly one is consumed per candidate per run.
type Proposal struct {
	Symbol         string    `json:"symbol"`
	Direction      Direction `json:"direction"`
	Confidence     float64   `json:"confidence"` // [0,1]
	ExpectedReturn float64   `json:"expected_return"`
	EdgeScore      float64   `json:"edge_score"`
	EntryPrice     float64   `json:"entry_price"`
	StopPrice      float64   `json:"stop_price"`
	TargetPrice    float64   `json:"target_price"`
}

// Skip reports whether the proposal carries no directional intent and
// should not be forwarded to critique.
func (p Proposal) Skip() bool {
	return p.Direction == Flat
}

// ErrMalformed marks proposals that fail validation; the risk controller
// maps it to an internal_error rejection.
var ErrMalformed = errors.New("malformed proposal")

// Provider is the external signal model, treated as a black box.
type Provider interface {
	Propose(ctx context.Context, symbol string) (Proposal, error)
}

// Validate checks a proposal's contract: known direction, confidence in
// [0,1], finite expected return, non-empty symbol.
func Validate(p Proposal) error {
	if p.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrMalformed)
	}
	switch p.Direction {
	case Long, Short, Flat:
	default:
		return fmt.Errorf("%w: direction %q", ErrMalformed, p.Direction)
	}
	if p.Confidence < 0 || p.Confidence > 1 || math.IsNaN(p.Confidence) {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformed, p.Confidence)
	}
	if math.IsNaN(p.ExpectedReturn) || math.IsInf(p.ExpectedReturn, 0) {
		return fmt.Errorf("%w: expected return %v", ErrMalformed, p.ExpectedReturn)
	}
	return nil
}

// Consume fetches and validates one proposal for a candidate symbol.
func Consume(ctx context.Context, provider Provider, symbol string) (Proposal, error) {
	p, err := provider.Propose(ctx, symbol)
	if err != nil {
		return Proposal{}, fmt.Errorf("signal provider for %s: %w", symbol, err)
	}
	if p.Symbol == "" {
		p.Symbol = symbol
	}
	if p.Symbol != symbol {
		return Proposal{}, fmt.Errorf("%w: proposal symbol %q does not match candidate %q", ErrMalformed, p.Symbol, symbol)
	}
	if err := Validate(p); err != nil {
		return Proposal{}, err
	}
	return p, nil
}
