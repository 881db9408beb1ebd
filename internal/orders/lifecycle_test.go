package orders

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradedesk/internal/audit"
	"github.com/quantfold/tradedesk/internal/portfolio"
)

var ddCfg = portfolio.DrawdownConfig{SoftLimitPct: 2, HardLimitPct: 3}

// scriptBroker plays back a fixed sequence of status updates, repeating the
// last one once the script runs out.
type scriptBroker struct {
	mu         sync.Mutex
	submitErrs int
	updates    []Update
	idx        int
}

func (b *scriptBroker) Submit(ctx context.Context, o Order) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErrs > 0 {
		b.submitErrs--
		return "", errors.New("venue unavailable")
	}
	return "broker-1", nil
}

func (b *scriptBroker) Status(ctx context.Context, brokerID string) (Update, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.updates) == 0 {
		return Update{State: Submitted}, nil
	}
	u := b.updates[b.idx]
	if b.idx < len(b.updates)-1 {
		b.idx++
	}
	return u, nil
}

type memRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *memRecorder) Record(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *memRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func fastConfig() ManagerConfig {
	return ManagerConfig{
		AckTimeout:       200 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		MaxRetries:       3,
		SubmitsPerSecond: 1000,
	}
}

func TestExecute_FullFill(t *testing.T) {
	state := portfolio.NewState(100000, ddCfg)
	broker := &scriptBroker{updates: []Update{
		{State: Submitted},
		{State: Filled, FilledQty: 100, AvgFillPrice: 185.60},
	}}
	rec := &memRecorder{}
	m := NewManager(broker, state, rec, fastConfig(), zerolog.Nop())

	o := NewOrder("corr-1", "AAPL", Buy, 100, 185.50, 182, 195, false)
	done, err := m.Execute(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, Filled, done.State)
	assert.Equal(t, 100, done.FilledQty)
	assert.Equal(t, 185.60, done.AvgFillPrice)

	snap := state.Snapshot()
	pos, ok := snap.Position("AAPL")
	require.True(t, ok)
	assert.Equal(t, 100, pos.Quantity)
	assert.InDelta(t, 100000-100*185.60, snap.Cash, 1e-9)

	kinds := rec.kinds()
	assert.Contains(t, kinds, audit.KindOrderSubmitted)
	assert.Contains(t, kinds, audit.KindOrderFilled)
}

func TestExecute_PartialFillsApplyDeltasOnce(t *testing.T) {
	state := portfolio.NewState(100000, ddCfg)
	broker := &scriptBroker{updates: []Update{
		{State: PartiallyFilled, FilledQty: 40, AvgFillPrice: 185.55},
		{State: PartiallyFilled, FilledQty: 40, AvgFillPrice: 185.55}, // repeat poll, no new delta
		{State: Filled, FilledQty: 100, AvgFillPrice: 185.60},
	}}
	rec := &memRecorder{}
	m := NewManager(broker, state, rec, fastConfig(), zerolog.Nop())

	done, err := m.Execute(context.Background(), NewOrder("corr-1", "AAPL", Buy, 100, 185.50, 0, 0, false))
	require.NoError(t, err)
	assert.Equal(t, Filled, done.State)

	pos, ok := state.Snapshot().Position("AAPL")
	require.True(t, ok)
	assert.Equal(t, 100, pos.Quantity, "repeated polls of the same fill must not double-apply")

	partial, full := 0, 0
	for _, k := range rec.kinds() {
		switch k {
		case audit.KindOrderPartialFill:
			partial++
		case audit.KindOrderFilled:
			full++
		}
	}
	assert.Equal(t, 1, partial)
	assert.Equal(t, 1, full)
}

func TestExecute_SubmitRetriesExhaustedCancels(t *testing.T) {
	state := portfolio.NewState(100000, ddCfg)
	broker := &scriptBroker{submitErrs: 10}
	rec := &memRecorder{}
	m := NewManager(broker, state, rec, fastConfig(), zerolog.Nop())

	done, err := m.Execute(context.Background(), NewOrder("corr-1", "AAPL", Buy, 10, 185.50, 0, 0, false))
	require.NoError(t, err)
	assert.Equal(t, Cancelled, done.State)
	assert.Equal(t, "broker_timeout", done.Reason)
	assert.Contains(t, rec.kinds(), audit.KindBrokerTimeout)
	assert.Empty(t, state.Snapshot().Positions)
}

func TestExecute_NoTerminalEventForcesCancel(t *testing.T) {
	cfg := fastConfig()
	cfg.AckTimeout = 30 * time.Millisecond
	state := portfolio.NewState(100000, ddCfg)
	broker := &scriptBroker{} // forever Submitted
	rec := &memRecorder{}
	m := NewManager(broker, state, rec, cfg, zerolog.Nop())

	done, err := m.Execute(context.Background(), NewOrder("corr-1", "AAPL", Buy, 10, 185.50, 0, 0, false))
	require.NoError(t, err)
	assert.Equal(t, Cancelled, done.State)
	assert.Equal(t, "broker_timeout", done.Reason)
}

func TestExecute_InvariantViolationRejects(t *testing.T) {
	state := portfolio.NewState(100000, ddCfg)
	// A sell with no open position cannot be applied.
	broker := &scriptBroker{updates: []Update{
		{State: Filled, FilledQty: 10, AvgFillPrice: 185.50},
	}}
	rec := &memRecorder{}
	m := NewManager(broker, state, rec, fastConfig(), zerolog.Nop())

	done, err := m.Execute(context.Background(), NewOrder("corr-1", "AAPL", Sell, 10, 185.50, 0, 0, false))
	require.NoError(t, err)
	assert.Equal(t, Rejected, done.State)
	assert.Equal(t, "internal_error", done.Reason)
	assert.Contains(t, rec.kinds(), audit.KindOrderRejected)
}

func TestExecute_NonPendingRefused(t *testing.T) {
	m := NewManager(&scriptBroker{}, portfolio.NewState(1000, ddCfg), &memRecorder{}, fastConfig(), zerolog.Nop())
	o := NewOrder("corr-1", "AAPL", Buy, 10, 185.50, 0, 0, false)
	o.State = Filled
	if _, err := m.Execute(context.Background(), o); err == nil {
		t.Fatal("want error for non-pending order")
	}
}

func TestReconcile_ResumesInFlightOrders(t *testing.T) {
	dir := t.TempDir()
	store, err := audit.OpenStore(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	// A submitted order without a terminal event is in flight.
	inflight := NewOrder("corr-open", "AAPL", Buy, 10, 185.50, 0, 0, false)
	inflight.BrokerID = "broker-1"
	inflight.State = Submitted
	require.NoError(t, store.Append(ctx, audit.New("corr-open", "orders", audit.KindOrderSubmitted, "", inflight)))

	// A completed order must be left alone.
	doneOrder := NewOrder("corr-done", "MSFT", Buy, 5, 400, 0, 0, false)
	require.NoError(t, store.Append(ctx, audit.New("corr-done", "orders", audit.KindOrderSubmitted, "", doneOrder)))
	require.NoError(t, store.Append(ctx, audit.New("corr-done", "orders", audit.KindOrderFilled, "", nil)))

	state := portfolio.NewState(100000, ddCfg)
	broker := &scriptBroker{updates: []Update{
		{State: Filled, FilledQty: 10, AvgFillPrice: 185.50},
	}}
	rec := &memRecorder{}
	m := NewManager(broker, state, rec, fastConfig(), zerolog.Nop())

	require.NoError(t, m.Reconcile(ctx, store))

	pos, ok := state.Snapshot().Position("AAPL")
	require.True(t, ok, "in-flight order should have been driven to a fill")
	assert.Equal(t, 10, pos.Quantity)
	_, held := state.Snapshot().Position("MSFT")
	assert.False(t, held, "terminal order must not be re-applied")
}

func TestSimBroker_FillsWithBoundedSlippage(t *testing.T) {
	b := NewSimBroker(SimBrokerConfig{LatencyMsMin: 1, LatencyMsMax: 5, SlippageBpsMin: 0, SlippageBpsMax: 10})
	ctx := context.Background()

	o := NewOrder("corr-1", "AAPL", Buy, 10, 100, 0, 0, false)
	id, err := b.Submit(ctx, o)
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for {
		u, err := b.Status(ctx, id)
		require.NoError(t, err)
		if u.State == Filled {
			assert.Equal(t, 10, u.FilledQty)
			assert.GreaterOrEqual(t, u.AvgFillPrice, 100.0)
			assert.LessOrEqual(t, u.AvgFillPrice, 100.0*1.001)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("sim broker never filled")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSimBroker_RejectsBadQuantity(t *testing.T) {
	b := NewSimBroker(SimBrokerConfig{})
	if _, err := b.Submit(context.Background(), Order{Quantity: 0}); err == nil {
		t.Fatal("want error for zero quantity")
	}
}
