package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quantfold/tradedesk/internal/audit"
	"github.com/quantfold/tradedesk/internal/observ"
	"github.com/quantfold/tradedesk/internal/portfolio"
)

const component = "orders"

// ManagerConfig bounds broker communication. A submitted order that shows
// no terminal state within AckTimeout is re-polled up to MaxRetries times
// before it is forcibly cancelled.
type ManagerConfig struct {
	AckTimeout       time.Duration
	PollInterval     time.Duration
	MaxRetries       int
	SubmitsPerSecond float64
}

// Manager drives orders to a terminal state. It is the sole mutator of
// position state and applies each fill exactly once. Broker calls are made
// without holding the portfolio lock; the lock is taken only inside
// State.ApplyFill.
type Manager struct {
	broker   Broker
	state    *portfolio.State
	recorder audit.Recorder
	limiter  *rate.Limiter
	log      zerolog.Logger
	cfg      ManagerConfig
}

func NewManager(broker Broker, state *portfolio.State, recorder audit.Recorder, cfg ManagerConfig, log zerolog.Logger) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SubmitsPerSecond <= 0 {
		cfg.SubmitsPerSecond = 2
	}
	return &Manager{
		broker:   broker,
		state:    state,
		recorder: recorder,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SubmitsPerSecond), 1),
		log:      log.With().Str("component", component).Logger(),
		cfg:      cfg,
	}
}

// Execute submits the order and tracks it to a terminal state, returning
// the final order. The call blocks until terminal; cancellation of ctx
// after submission still leaves the order discoverable by Reconcile on the
// next startup.
func (m *Manager) Execute(ctx context.Context, o Order) (Order, error) {
	if o.State != Pending {
		return o, fmt.Errorf("order %s not pending: %s", o.ID, o.State)
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return o, err
	}

	for attempt := 0; ; attempt++ {
		o.Attempts = attempt + 1
		submitCtx, cancel := context.WithTimeout(ctx, m.cfg.AckTimeout)
		brokerID, err := m.broker.Submit(submitCtx, o)
		cancel()
		if err == nil {
			o.BrokerID = brokerID
			o.State = Submitted
			m.record(o.CorrelationID, audit.KindOrderSubmitted, "", o)
			m.log.Info().Str("order_id", o.ID).Str("symbol", o.Symbol).
				Str("side", string(o.Side)).Int("quantity", o.Quantity).
				Bool("emergency", o.Emergency).Msg("order submitted")
			break
		}
		if ctx.Err() != nil {
			return o, ctx.Err()
		}
		if attempt+1 >= m.cfg.MaxRetries {
			return m.forceCancel(o, fmt.Sprintf("submit failed after %d attempts: %v", attempt+1, err)), nil
		}
		m.log.Warn().Err(err).Str("order_id", o.ID).Int("attempt", attempt+1).Msg("submit retry")
	}

	return m.track(ctx, o)
}

// track polls broker status until the order is terminal. Each AckTimeout
// window without progress consumes one retry; the retry budget bounds the
// state machine so it always terminates.
func (m *Manager) track(ctx context.Context, o Order) (Order, error) {
	retries := 0
	deadline := time.Now().Add(m.cfg.AckTimeout)

	for {
		select {
		case <-ctx.Done():
			return o, ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}

		u, err := m.broker.Status(ctx, o.BrokerID)
		if err != nil {
			if ctx.Err() != nil {
				return o, ctx.Err()
			}
			m.log.Warn().Err(err).Str("order_id", o.ID).Msg("status poll failed")
		} else {
			o = m.applyUpdate(o, u)
			if o.State.Terminal() {
				return o, nil
			}
			if u.FilledQty > 0 {
				deadline = time.Now().Add(m.cfg.AckTimeout)
			}
		}

		if time.Now().After(deadline) {
			retries++
			if retries >= m.cfg.MaxRetries {
				return m.forceCancel(o, "no terminal event from broker"), nil
			}
			deadline = time.Now().Add(m.cfg.AckTimeout)
		}
	}
}

// applyUpdate folds one broker update into the order, mutating the
// portfolio for any newly filled quantity.
func (m *Manager) applyUpdate(o Order, u Update) Order {
	if delta := u.FilledQty - o.FilledQty; delta > 0 {
		fill := portfolio.Fill{
			Symbol:      o.Symbol,
			Side:        string(o.Side),
			Quantity:    delta,
			Price:       u.AvgFillPrice,
			StopPrice:   o.StopPrice,
			TargetPrice: o.TargetPrice,
			Timestamp:   time.Now().UTC(),
		}
		snap, _, err := m.state.ApplyFill(fill)
		if err != nil {
			// The fill cannot be applied without violating a portfolio
			// invariant. Degrade to rejection rather than guess.
			o.State = Rejected
			o.Reason = "internal_error"
			m.record(o.CorrelationID, audit.KindOrderRejected, o.Reason, o)
			observ.RecordOrderTransition(string(Rejected))
			m.log.Error().Err(err).Str("order_id", o.ID).Msg("fill violates portfolio invariant")
			return o
		}
		o.FilledQty = u.FilledQty
		o.AvgFillPrice = u.AvgFillPrice
		kind := audit.KindOrderPartialFill
		if u.State == Filled {
			kind = audit.KindOrderFilled
		}
		m.record(o.CorrelationID, kind, "", fill)
		observ.SetPortfolioGauges(snap.DrawdownPct, snap.ExposureUSD, len(snap.Positions))
	}

	switch u.State {
	case Filled:
		o.State = Filled
		observ.RecordOrderTransition(string(Filled))
	case PartiallyFilled:
		o.State = PartiallyFilled
	case Cancelled:
		o.State = Cancelled
		o.Reason = u.Reason
		m.record(o.CorrelationID, audit.KindOrderCancelled, u.Reason, o)
		observ.RecordOrderTransition(string(Cancelled))
	case Rejected:
		o.State = Rejected
		o.Reason = u.Reason
		m.record(o.CorrelationID, audit.KindOrderRejected, u.Reason, o)
		observ.RecordOrderTransition(string(Rejected))
	}
	return o
}

// forceCancel marks an order cancelled after the retry budget is spent.
func (m *Manager) forceCancel(o Order, detail string) Order {
	o.State = Cancelled
	o.Reason = "broker_timeout"
	m.record(o.CorrelationID, audit.KindBrokerTimeout, detail, o)
	m.record(o.CorrelationID, audit.KindOrderCancelled, o.Reason, o)
	observ.RecordOrderTransition(string(Cancelled))
	m.log.Error().Str("order_id", o.ID).Str("detail", detail).Msg("order forcibly cancelled")
	return o
}

// Reconcile finds orders that were submitted but never reached a terminal
// state (for example across a crash) and drives each to termination. No
// submitted order may be orphaned.
func (m *Manager) Reconcile(ctx context.Context, store *audit.Store) error {
	submitted, err := store.ByKind(ctx, audit.KindOrderSubmitted)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	terminal := make(map[string]bool)
	for _, kind := range []string{audit.KindOrderFilled, audit.KindOrderCancelled, audit.KindOrderRejected} {
		events, err := store.ByKind(ctx, kind)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		for _, e := range events {
			terminal[e.CorrelationID] = true
		}
	}

	for _, e := range submitted {
		if terminal[e.CorrelationID] {
			continue
		}
		var o Order
		if err := json.Unmarshal(e.Payload, &o); err != nil {
			m.log.Error().Err(err).Str("event_id", e.ID).Msg("reconcile: bad order payload")
			continue
		}
		m.log.Warn().Str("order_id", o.ID).Str("symbol", o.Symbol).Msg("reconciling in-flight order")
		if _, err := m.track(ctx, o); err != nil {
			return fmt.Errorf("reconcile order %s: %w", o.ID, err)
		}
	}
	return nil
}

func (m *Manager) record(correlationID, kind, reason string, v any) {
	m.recorder.Record(audit.New(correlationID, component, kind, reason, v))
}
