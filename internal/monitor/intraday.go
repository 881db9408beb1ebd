// Package monitor runs the continuous intraday safety loop. It is
// deliberately dumb: no signals, no critics, only live prices checked
// against protective levels and portfolio drawdown. It is the one actor
// allowed to exit a position on the day it was opened, and every such
// bypass is tagged emergency_exit in the audit trail.
package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfold/tradedesk/internal/audit"
	"github.com/quantfold/tradedesk/internal/observ"
	"github.com/quantfold/tradedesk/internal/orders"
	"github.com/quantfold/tradedesk/internal/portfolio"
)

const component = "monitor"

// PriceSource supplies live prices. Quote retrieval is external; a symbol
// whose quote fails is skipped for the tick and keeps its previous mark.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// Executor is the order lifecycle manager's entry point. The monitor
// submits protective exits directly; its path never consults critics.
type Executor interface {
	Execute(ctx context.Context, o orders.Order) (orders.Order, error)
}

// Config for the monitor loop.
type Config struct {
	TickInterval   time.Duration
	DeriskFraction float64 // position fraction liquidated on a hard breach
}

// Monitor re-evaluates open positions on a fixed interval, independent of
// scheduled decision runs. Ticks never overlap: if one is still running
// when the next fires, the tick is skipped.
type Monitor struct {
	state    *portfolio.State
	prices   PriceSource
	exec     Executor
	recorder audit.Recorder
	log      zerolog.Logger
	cfg      Config

	ticking atomic.Bool
}

func New(state *portfolio.State, prices PriceSource, exec Executor, recorder audit.Recorder, cfg Config, log zerolog.Logger) *Monitor {
	if cfg.DeriskFraction <= 0 || cfg.DeriskFraction > 1 {
		cfg.DeriskFraction = 0.5
	}
	return &Monitor{
		state:    state,
		prices:   prices,
		exec:     exec,
		recorder: recorder,
		log:      log.With().Str("component", component).Logger(),
		cfg:      cfg,
	}
}

// Run drives the tick loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", m.cfg.TickInterval).Msg("intraday monitor started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("intraday monitor stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick executes one monitoring pass. Exported so the scheduler and tests
// can run passes directly.
func (m *Monitor) Tick(ctx context.Context) {
	if !m.ticking.CompareAndSwap(false, true) {
		m.log.Warn().Msg("previous tick still running, skipping")
		return
	}
	defer m.ticking.Store(false)

	start := time.Now()
	defer func() { observ.ObserveTickDuration(time.Since(start)) }()

	snap := m.state.Snapshot()
	if len(snap.Positions) == 0 {
		// Revalue even with nothing to mark: the risk controller's
		// staleness guard keys off the snapshot age, and a flat book must
		// not age out of trading.
		m.state.MarkPrices(nil, time.Now())
		return
	}

	prices := make(map[string]float64, len(snap.Positions))
	for symbol := range snap.Positions {
		px, err := m.prices.Price(ctx, symbol)
		if err != nil {
			m.log.Warn().Err(err).Str("symbol", symbol).Msg("price fetch failed, keeping previous mark")
			continue
		}
		prices[symbol] = px
	}

	marked, status := m.state.MarkPrices(prices, time.Now())
	observ.SetPortfolioGauges(marked.DrawdownPct, marked.ExposureUSD, len(marked.Positions))
	m.auditDrawdown(status, marked)

	for _, pos := range marked.Positions {
		px, ok := prices[pos.Symbol]
		if !ok || pos.Quantity <= 0 {
			continue
		}
		switch {
		case pos.StopPrice > 0 && px <= pos.StopPrice:
			m.protectiveExit(ctx, pos, pos.Quantity, px, audit.KindStopTriggered, "stop_loss")
		case pos.TargetPrice > 0 && px >= pos.TargetPrice:
			m.protectiveExit(ctx, pos, pos.Quantity, px, audit.KindTargetTriggered, "target_reached")
		}
	}

	if status.HardCrossed {
		// Re-snapshot: stop or target exits above may already have
		// reduced positions this tick.
		m.derisk(ctx, m.state.Snapshot(), prices)
	}
}

func (m *Monitor) auditDrawdown(status portfolio.DrawdownStatus, snap portfolio.Snapshot) {
	switch {
	case status.HardCrossed:
		m.log.Error().Float64("drawdown_pct", status.DrawdownPct).Msg("hard drawdown limit breached, de-risking")
		m.recorder.Record(audit.New("", component, audit.KindDrawdownBreach, "drawdown", snap))
	case status.SoftCrossed:
		m.log.Warn().Float64("drawdown_pct", status.DrawdownPct).Msg("soft drawdown limit crossed")
		m.recorder.Record(audit.New("", component, audit.KindDrawdownWarning, "", snap))
	case status.HardCleared:
		m.log.Info().Float64("drawdown_pct", status.DrawdownPct).Msg("hard drawdown flag cleared")
		m.recorder.Record(audit.New("", component, audit.KindDrawdownCleared, "", snap))
	}
}

// derisk reduces every open position by the configured fraction after a
// hard breach. New buys are already blocked by the latched flag; this
// brings existing exposure down.
func (m *Monitor) derisk(ctx context.Context, snap portfolio.Snapshot, prices map[string]float64) {
	for _, pos := range snap.Positions {
		if pos.Quantity <= 0 {
			continue
		}
		qty := int(float64(pos.Quantity) * m.cfg.DeriskFraction)
		if qty < 1 {
			qty = pos.Quantity
		}
		px, ok := prices[pos.Symbol]
		if !ok {
			px = pos.LastPrice
		}
		m.protectiveExit(ctx, pos, qty, px, audit.KindDrawdownBreach, "drawdown_derisk")
	}
}

// protectiveExit sends a sell straight to the lifecycle manager. The order
// carries the emergency flag, which is the only sanctioned bypass of the
// same-day-exit rule, and the bypass itself is audited.
func (m *Monitor) protectiveExit(ctx context.Context, pos portfolio.Position, quantity int, price float64, triggerKind, reason string) {
	correlationID := uuid.NewString()
	o := orders.NewOrder(correlationID, pos.Symbol, orders.Sell, quantity, price, pos.StopPrice, pos.TargetPrice, true)

	m.recorder.Record(audit.New(correlationID, component, triggerKind, reason, pos))
	m.recorder.Record(audit.New(correlationID, component, audit.KindEmergencyExit, reason, o))
	observ.RecordEmergencyExit()
	m.log.Warn().Str("symbol", pos.Symbol).Int("quantity", quantity).
		Float64("price", price).Str("trigger", reason).Msg("protective exit")

	if _, err := m.exec.Execute(ctx, o); err != nil {
		m.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("protective exit failed")
	}
}
