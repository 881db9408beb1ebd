// Package portfolio owns the shared portfolio state. Every mutation goes
// through one mutex so the scheduled decision pipeline and the intraday
// monitor can never interleave a read-modify-write. Readers get immutable
// snapshots, never references into live state.
package portfolio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const dateLayout = "2006-01-02"

var (
	// ErrInsufficientCash rejects a buy fill that would drive cash negative.
	ErrInsufficientCash = errors.New("insufficient cash")
	// ErrOversell rejects a sell fill larger than the open position.
	ErrOversell = errors.New("sell exceeds open position")
)

// Position is one open position. At most one exists per symbol.
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      int     `json:"quantity"` // signed; negative is short
	AvgEntryPrice float64 `json:"avg_entry_price"`
	EntryDate     string  `json:"entry_date"` // trading day the position was opened
	StopPrice     float64 `json:"stop_price"`
	TargetPrice   float64 `json:"target_price"`
	LastPrice     float64 `json:"last_price"`
}

// Notional is the absolute market value of the position at the last mark.
func (p Position) Notional() float64 {
	n := float64(p.Quantity) * p.LastPrice
	if n < 0 {
		n = -n
	}
	return n
}

// Fill is a terminal order event applied to the portfolio. Side is BUY or
// SELL; Quantity is always positive. The JSON shape doubles as the audit
// payload for fill events, which is what replay consumes.
type Fill struct {
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Quantity    int       `json:"quantity"`
	Price       float64   `json:"price"`
	StopPrice   float64   `json:"stop_price,omitempty"`
	TargetPrice float64   `json:"target_price,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Snapshot is an immutable copy of the portfolio at one version.
type Snapshot struct {
	Version       int64               `json:"version"`
	UpdatedAt     time.Time           `json:"updated_at"`
	Cash          float64             `json:"cash"`
	TotalValue    float64             `json:"total_value"`
	ExposureUSD   float64             `json:"exposure_usd"`
	Positions     map[string]Position `json:"positions"`
	HighWaterMark float64             `json:"high_water_mark"`
	DrawdownPct   float64             `json:"drawdown_pct"`
	SoftBreach    bool                `json:"soft_breach"`
	HardBreach    bool                `json:"hard_breach"`
}

// Position returns the open position for symbol, if any.
func (s Snapshot) Position(symbol string) (Position, bool) {
	p, ok := s.Positions[symbol]
	return p, ok
}

// OpenedToday reports whether the symbol's position was opened on the
// trading day containing now.
func (s Snapshot) OpenedToday(symbol string, now time.Time) bool {
	p, ok := s.Positions[symbol]
	return ok && p.EntryDate == now.UTC().Format(dateLayout)
}

// State is the single shared portfolio instance.
type State struct {
	mu        sync.Mutex
	capital   float64
	positions map[string]Position
	cash      float64
	tracker   *DrawdownTracker
	version   int64
	updatedAt time.Time
}

// NewState starts with all capital in cash and no positions.
func NewState(capitalBase float64, cfg DrawdownConfig) *State {
	return &State{
		capital:   capitalBase,
		cash:      capitalBase,
		positions: make(map[string]Position),
		tracker:   NewDrawdownTracker(cfg),
	}
}

// Snapshot returns a consistent copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// ApplyFill applies one terminal fill event atomically and returns the
// resulting snapshot and the drawdown transitions it caused. This is the
// only way position state changes.
func (s *State) ApplyFill(f Fill) (Snapshot, DrawdownStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.Quantity <= 0 {
		return Snapshot{}, DrawdownStatus{}, fmt.Errorf("fill quantity must be positive, got %d", f.Quantity)
	}

	switch f.Side {
	case "BUY":
		if err := s.applyBuy(f); err != nil {
			return Snapshot{}, DrawdownStatus{}, err
		}
	case "SELL":
		if err := s.applySell(f); err != nil {
			return Snapshot{}, DrawdownStatus{}, err
		}
	default:
		return Snapshot{}, DrawdownStatus{}, fmt.Errorf("unknown fill side %q", f.Side)
	}

	status := s.revalueLocked(f.Timestamp)
	return s.snapshotLocked(), status, nil
}

// MarkPrices updates last prices from a live quote pass and recomputes
// value and drawdown. Symbols without a quote keep their previous mark.
func (s *State) MarkPrices(prices map[string]float64, now time.Time) (Snapshot, DrawdownStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for symbol, px := range prices {
		if p, ok := s.positions[symbol]; ok && px > 0 {
			p.LastPrice = px
			s.positions[symbol] = p
		}
	}
	status := s.revalueLocked(now)
	return s.snapshotLocked(), status
}

func (s *State) applyBuy(f Fill) error {
	cost := float64(f.Quantity) * f.Price
	if cost > s.cash {
		return fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientCash, cost, s.cash)
	}
	s.cash -= cost

	p, ok := s.positions[f.Symbol]
	if !ok {
		s.positions[f.Symbol] = Position{
			Symbol:        f.Symbol,
			Quantity:      f.Quantity,
			AvgEntryPrice: f.Price,
			EntryDate:     f.Timestamp.UTC().Format(dateLayout),
			StopPrice:     f.StopPrice,
			TargetPrice:   f.TargetPrice,
			LastPrice:     f.Price,
		}
		return nil
	}

	// Weighted-average entry on adds.
	totalCost := p.AvgEntryPrice*float64(p.Quantity) + cost
	p.Quantity += f.Quantity
	p.AvgEntryPrice = totalCost / float64(p.Quantity)
	p.LastPrice = f.Price
	if f.StopPrice > 0 {
		p.StopPrice = f.StopPrice
	}
	if f.TargetPrice > 0 {
		p.TargetPrice = f.TargetPrice
	}
	s.positions[f.Symbol] = p
	return nil
}

func (s *State) applySell(f Fill) error {
	p, ok := s.positions[f.Symbol]
	if !ok || p.Quantity < f.Quantity {
		return fmt.Errorf("%w: %s quantity %d", ErrOversell, f.Symbol, f.Quantity)
	}
	s.cash += float64(f.Quantity) * f.Price
	p.Quantity -= f.Quantity
	p.LastPrice = f.Price
	if p.Quantity == 0 {
		delete(s.positions, f.Symbol)
	} else {
		s.positions[f.Symbol] = p
	}
	return nil
}

func (s *State) revalueLocked(now time.Time) DrawdownStatus {
	s.version++
	s.updatedAt = now.UTC()
	return s.tracker.Update(s.totalValueLocked(), now)
}

func (s *State) totalValueLocked() float64 {
	total := s.cash
	for _, p := range s.positions {
		total += float64(p.Quantity) * p.LastPrice
	}
	return total
}

func (s *State) exposureLocked() float64 {
	exposure := 0.0
	for _, p := range s.positions {
		exposure += p.Notional()
	}
	return exposure
}

func (s *State) snapshotLocked() Snapshot {
	positions := make(map[string]Position, len(s.positions))
	for symbol, p := range s.positions {
		positions[symbol] = p
	}
	dd := s.tracker.Current()
	return Snapshot{
		Version:       s.version,
		UpdatedAt:     s.updatedAt,
		Cash:          s.cash,
		TotalValue:    s.totalValueLocked(),
		ExposureUSD:   s.exposureLocked(),
		Positions:     positions,
		HighWaterMark: dd.HighWaterMark,
		DrawdownPct:   dd.DrawdownPct,
		SoftBreach:    dd.SoftBreach,
		HardBreach:    dd.HardBreach,
	}
}

// Replay reconstructs a portfolio from an ordered fill sequence. Replaying
// the same sequence always yields the same final snapshot.
func Replay(capitalBase float64, cfg DrawdownConfig, fills []Fill) (Snapshot, error) {
	s := NewState(capitalBase, cfg)
	var snap Snapshot
	for i, f := range fills {
		var err error
		snap, _, err = s.ApplyFill(f)
		if err != nil {
			return Snapshot{}, fmt.Errorf("replay fill %d (%s %s): %w", i, f.Side, f.Symbol, err)
		}
	}
	if len(fills) == 0 {
		snap = s.Snapshot()
	}
	return snap, nil
}
