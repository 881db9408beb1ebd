package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/tradedesk/internal/audit"
	"github.com/quantfold/tradedesk/internal/candidates"
	"github.com/quantfold/tradedesk/internal/critique"
	"github.com/quantfold/tradedesk/internal/orders"
	"github.com/quantfold/tradedesk/internal/portfolio"
	"github.com/quantfold/tradedesk/internal/risk"
	"github.com/quantfold/tradedesk/internal/signal"
)

type memRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *memRecorder) Record(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *memRecorder) byKind(kind string) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type listSource struct {
	name string
	list []candidates.Candidate
}

func (s listSource) Name() string { return s.name }
func (s listSource) Candidates(context.Context) ([]candidates.Candidate, error) {
	return s.list, nil
}

type mapProvider map[string]signal.Proposal

func (m mapProvider) Propose(_ context.Context, symbol string) (signal.Proposal, error) {
	p, ok := m[symbol]
	if !ok {
		return signal.Proposal{}, errors.New("no signal")
	}
	return p, nil
}

type fixedCritic struct {
	id      string
	verdict critique.Verdict
}

func (c fixedCritic) ID() string { return c.id }
func (c fixedCritic) Review(context.Context, signal.Proposal) (critique.Critique, error) {
	return critique.Critique{CriticID: c.id, Verdict: c.verdict}, nil
}

// applyExecutor fills orders directly against the portfolio.
type applyExecutor struct {
	state *portfolio.State

	mu     sync.Mutex
	orders []orders.Order
}

func (e *applyExecutor) Execute(_ context.Context, o orders.Order) (orders.Order, error) {
	e.mu.Lock()
	e.orders = append(e.orders, o)
	e.mu.Unlock()
	_, _, err := e.state.ApplyFill(portfolio.Fill{
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		Quantity:  o.Quantity,
		Price:     o.EntryPrice,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return o, err
	}
	o.State = orders.Filled
	return o, nil
}

func (e *applyExecutor) executed() []orders.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]orders.Order(nil), e.orders...)
}

func riskConfig() risk.Config {
	return risk.Config{
		RiskPerTradePct:      0.5,
		MaxPositions:         15,
		MaxSinglePositionPct: 50,
		MaxExposurePct:       100,
		ReductionFactor:      0.5,
	}
}

func longProposal(symbol string) signal.Proposal {
	return signal.Proposal{
		Symbol:         symbol,
		Direction:      signal.Long,
		Confidence:     0.8,
		ExpectedReturn: 0.05,
		EntryPrice:     185.50,
		StopPrice:      182.00,
		TargetPrice:    195.00,
	}
}

func newTestRunner(rec audit.Recorder, state *portfolio.State, exec Executor, provider signal.Provider, critics []critique.Critic, sources ...candidates.Source) *Runner {
	controller := risk.NewController(riskConfig(), state, rec, zerolog.Nop())
	return NewRunner(sources, provider, critics, controller, exec, rec, time.Second, zerolog.Nop())
}

func TestRun_EndToEndApproval(t *testing.T) {
	state := portfolio.NewState(100000, portfolio.DrawdownConfig{SoftLimitPct: 2, HardLimitPct: 3})
	rec := &memRecorder{}
	exec := &applyExecutor{state: state}

	src := listSource{name: "news", list: []candidates.Candidate{
		{Symbol: "AAPL", Source: candidates.SourceNews, Priority: 0.9},
	}}
	provider := mapProvider{"AAPL": longProposal("AAPL")}
	critics := []critique.Critic{
		fixedCritic{id: "valuation", verdict: critique.Approve},
		fixedCritic{id: "momentum", verdict: critique.Approve},
	}

	r := newTestRunner(rec, state, exec, provider, critics, src)
	require.NoError(t, r.Run(context.Background()))

	got := exec.executed()
	require.Len(t, got, 1)
	assert.Equal(t, "AAPL", got[0].Symbol)
	assert.Equal(t, 142, got[0].Quantity)

	// The full journey is in the audit trail under one correlation id.
	approved := rec.byKind(audit.KindApproved)
	require.Len(t, approved, 1)
	corr := approved[0].CorrelationID
	for _, kind := range []string{audit.KindProposalReceived, audit.KindVerdict} {
		events := rec.byKind(kind)
		require.Len(t, events, 1, kind)
		assert.Equal(t, corr, events[0].CorrelationID)
	}
	assert.Len(t, rec.byKind(audit.KindCritique), 2)
	assert.Len(t, rec.byKind(audit.KindRunStarted), 1)
	assert.Len(t, rec.byKind(audit.KindRunCompleted), 1)
}

func TestRun_VetoStopsBeforeController(t *testing.T) {
	state := portfolio.NewState(100000, portfolio.DrawdownConfig{SoftLimitPct: 2, HardLimitPct: 3})
	rec := &memRecorder{}
	exec := &applyExecutor{state: state}

	src := listSource{name: "news", list: []candidates.Candidate{
		{Symbol: "AAPL", Source: candidates.SourceNews, Priority: 0.9},
	}}
	provider := mapProvider{"AAPL": longProposal("AAPL")}
	critics := []critique.Critic{
		fixedCritic{id: "valuation", verdict: critique.Approve},
		fixedCritic{id: "compliance", verdict: critique.Veto},
	}

	r := newTestRunner(rec, state, exec, provider, critics, src)
	require.NoError(t, r.Run(context.Background()))

	assert.Empty(t, exec.executed())
	// A vetoed proposal produces no decision events at all; the verdict is
	// its terminal record.
	assert.Empty(t, rec.byKind(audit.KindApproved))
	assert.Empty(t, rec.byKind(audit.KindRejected))
	verdicts := rec.byKind(audit.KindVerdict)
	require.Len(t, verdicts, 1)
	assert.Equal(t, string(critique.Veto), verdicts[0].Reason)
}

func TestRun_FlatProposalSkipped(t *testing.T) {
	state := portfolio.NewState(100000, portfolio.DrawdownConfig{SoftLimitPct: 2, HardLimitPct: 3})
	rec := &memRecorder{}
	exec := &applyExecutor{state: state}

	src := listSource{name: "baseline", list: []candidates.Candidate{
		{Symbol: "MSFT", Source: candidates.SourceBaseline, Priority: 0.5},
	}}
	provider := mapProvider{"MSFT": {Symbol: "MSFT", Direction: signal.Flat}}

	r := newTestRunner(rec, state, exec, provider, nil, src)
	require.NoError(t, r.Run(context.Background()))

	assert.Empty(t, exec.executed())
	assert.Len(t, rec.byKind(audit.KindProposalSkipped), 1)
	assert.Empty(t, rec.byKind(audit.KindVerdict), "flat proposals never reach critique")
}

func TestRun_ProviderFailureGetsAuditedRejection(t *testing.T) {
	state := portfolio.NewState(100000, portfolio.DrawdownConfig{SoftLimitPct: 2, HardLimitPct: 3})
	rec := &memRecorder{}
	exec := &applyExecutor{state: state}

	src := listSource{name: "news", list: []candidates.Candidate{
		{Symbol: "AAPL", Source: candidates.SourceNews, Priority: 0.9},
	}}

	r := newTestRunner(rec, state, exec, mapProvider{}, nil, src)
	require.NoError(t, r.Run(context.Background()))

	assert.Empty(t, exec.executed())
	rejected := rec.byKind(audit.KindRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, risk.ReasonInternal, rejected[0].Reason)
}

func TestRun_OverlapRejected(t *testing.T) {
	state := portfolio.NewState(100000, portfolio.DrawdownConfig{SoftLimitPct: 2, HardLimitPct: 3})
	rec := &memRecorder{}
	exec := &applyExecutor{state: state}

	release := make(chan struct{})
	src := listSource{name: "news", list: []candidates.Candidate{
		{Symbol: "AAPL", Source: candidates.SourceNews, Priority: 0.9},
	}}
	provider := blockingProvider{release: release}

	r := newTestRunner(rec, state, exec, provider, nil, src)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(rec.byKind(audit.KindRunStarted)) == 1
	}, time.Second, time.Millisecond)

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Len(t, rec.byKind(audit.KindRunOverlap), 1)

	close(release)
	require.NoError(t, <-done)
}

type blockingProvider struct {
	release chan struct{}
}

func (b blockingProvider) Propose(_ context.Context, symbol string) (signal.Proposal, error) {
	<-b.release
	return signal.Proposal{Symbol: symbol, Direction: signal.Flat}, nil
}
