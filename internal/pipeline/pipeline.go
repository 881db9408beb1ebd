// Package pipeline orchestrates one scheduled decision run: candidate
// aggregation, signal consumption, critique, risk evaluation, and order
// execution, with one correlation id per candidate's journey.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantfold/tradedesk/internal/audit"
	"github.com/quantfold/tradedesk/internal/candidates"
	"github.com/quantfold/tradedesk/internal/critique"
	"github.com/quantfold/tradedesk/internal/observ"
	"github.com/quantfold/tradedesk/internal/orders"
	"github.com/quantfold/tradedesk/internal/risk"
	"github.com/quantfold/tradedesk/internal/signal"
)

const component = "pipeline"

// ErrRunInProgress is returned when a trigger fires while a previous run
// is still executing. Runs never overlap themselves; the overlapping
// trigger is rejected and audited, not queued.
var ErrRunInProgress = errors.New("decision run already in progress")

// Executor is the order lifecycle manager's entry point.
type Executor interface {
	Execute(ctx context.Context, o orders.Order) (orders.Order, error)
}

// Runner executes decision runs.
type Runner struct {
	sources       []candidates.Source
	signals       signal.Provider
	critics       []critique.Critic
	controller    *risk.Controller
	exec          Executor
	recorder      audit.Recorder
	log           zerolog.Logger
	criticTimeout time.Duration

	mu sync.Mutex
}

func NewRunner(
	sources []candidates.Source,
	signals signal.Provider,
	critics []critique.Critic,
	controller *risk.Controller,
	exec Executor,
	recorder audit.Recorder,
	criticTimeout time.Duration,
	log zerolog.Logger,
) *Runner {
	return &Runner{
		sources:       sources,
		signals:       signals,
		critics:       critics,
		controller:    controller,
		exec:          exec,
		recorder:      recorder,
		log:           log.With().Str("component", component).Logger(),
		criticTimeout: criticTimeout,
	}
}

// Run executes one full decision run to completion. It may proceed
// concurrently with intraday monitor ticks, which serialize on the portfolio
// itself, but never with another run.
func (r *Runner) Run(ctx context.Context) error {
	if !r.mu.TryLock() {
		r.recorder.Record(audit.New("", component, audit.KindRunOverlap, "run_overlap", nil))
		r.log.Warn().Msg("run trigger rejected, previous run still in progress")
		return ErrRunInProgress
	}
	defer r.mu.Unlock()

	runID := uuid.NewString()
	start := time.Now()
	r.recorder.Record(audit.New(runID, component, audit.KindRunStarted, "", nil))
	r.log.Info().Str("run_id", runID).Msg("decision run started")

	cands := candidates.Select(ctx, r.sources, r.log)
	r.recorder.Record(audit.New(runID, component, audit.KindCandidates, "", cands))

	processed := 0
	for _, cand := range cands {
		if ctx.Err() != nil {
			break
		}
		r.processCandidate(ctx, runID, cand)
		processed++
	}

	elapsed := time.Since(start)
	observ.ObserveRunDuration(elapsed)
	r.recorder.Record(audit.New(runID, component, audit.KindRunCompleted, "", runSummary{
		Candidates: len(cands),
		Processed:  processed,
		DurationMs: elapsed.Milliseconds(),
	}))
	r.log.Info().Str("run_id", runID).Int("candidates", len(cands)).
		Dur("elapsed", elapsed).Msg("decision run completed")
	return ctx.Err()
}

// processCandidate walks one candidate through the pipeline under its own
// correlation id.
func (r *Runner) processCandidate(ctx context.Context, runID string, cand candidates.Candidate) {
	correlationID := uuid.NewString()

	p, err := signal.Consume(ctx, r.signals, cand.Symbol)
	if err != nil {
		r.recorder.Record(audit.New(correlationID, component, audit.KindProposalReceived, "malformed", candidateProposal{
			RunID:     runID,
			Candidate: cand,
			Error:     err.Error(),
		}))
		// Malformed input still gets a terminal, audited rejection.
		r.controller.Evaluate(risk.Request{
			CorrelationID: correlationID,
			Proposal:      signal.Proposal{Symbol: cand.Symbol},
			Verdict:       critique.Approve,
		})
		return
	}

	r.recorder.Record(audit.New(correlationID, component, audit.KindProposalReceived, "", candidateProposal{
		RunID:     runID,
		Candidate: cand,
		Proposal:  &p,
	}))

	if p.Skip() {
		r.recorder.Record(audit.New(correlationID, component, audit.KindProposalSkipped, "flat", nil))
		return
	}

	crits := critique.Gather(ctx, r.critics, p, r.criticTimeout)
	for _, c := range crits {
		r.recorder.Record(audit.New(correlationID, component, audit.KindCritique, string(c.Verdict), c))
	}
	verdict := critique.Arbitrate(crits)
	r.recorder.Record(audit.New(correlationID, component, audit.KindVerdict, string(verdict), nil))

	if verdict == critique.Veto {
		return
	}

	d := r.controller.Evaluate(risk.Request{
		CorrelationID: correlationID,
		Proposal:      p,
		Verdict:       verdict,
	})
	if d.State != risk.StateApproved || d.Order == nil {
		return
	}

	if _, err := r.exec.Execute(ctx, *d.Order); err != nil {
		r.log.Error().Err(err).Str("symbol", cand.Symbol).Msg("order execution failed")
	}
}

type runSummary struct {
	Candidates int   `json:"candidates"`
	Processed  int   `json:"processed"`
	DurationMs int64 `json:"duration_ms"`
}

type candidateProposal struct {
	RunID     string               `json:"run_id"`
	Candidate candidates.Candidate `json:"candidate"`
	Proposal  *signal.Proposal     `json:"proposal,omitempty"`
	Error     string               `json:"error,omitempty"`
}
