// Package risk is the final authority turning a critiqued proposal into an
// order or a rejection. It cannot be overridden: every approval passes the
// full constraint sequence, and under any uncertainty it degrades to
// rejecting rather than approving.
package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/tradedesk/internal/audit"
	"github.com/quantfold/tradedesk/internal/critique"
	"github.com/quantfold/tradedesk/internal/observ"
	"github.com/quantfold/tradedesk/internal/orders"
	"github.com/quantfold/tradedesk/internal/portfolio"
	"github.com/quantfold/tradedesk/internal/signal"
)

const component = "risk"

// Rejection reasons. Rejections always carry one of these named reasons in
// the audit trail; nothing is rejected silently.
const (
	ReasonInvalidStop = "invalid_stop"
	ReasonMaxPosition = "constraint_violation:max_position"
	ReasonMaxCount    = "constraint_violation:max_count"
	ReasonMaxExposure = "constraint_violation:max_exposure"
	ReasonPDT         = "constraint_violation:pdt"
	ReasonDrawdown    = "constraint_violation:drawdown"
	ReasonInternal    = "internal_error"
	ReasonStaleState  = "stale_state"
	ReasonNoPosition  = "no_position"
	ReasonZeroSize    = "zero_size"
)

// Config holds the portfolio constraint limits.
type Config struct {
	RiskPerTradePct      float64       // % of total value risked per trade
	MaxPositions         int
	MaxSinglePositionPct float64       // % of total value per symbol
	MaxExposurePct       float64       // % of total value across all positions
	ReductionFactor      float64       // applied to quantity on a reduce verdict
	MaxStateAge          time.Duration // 0 disables the staleness guard
}

// Request is one candidate-in-flight presented for evaluation. Vetoed
// proposals never reach the controller.
type Request struct {
	CorrelationID string
	Proposal      signal.Proposal
	Verdict       critique.Verdict
	Emergency     bool // monitor-initiated protective exit path
}

// evaluation states of a request. Each request walks received -> sized ->
// constrained -> approved, or drops into rejected at the first failure.
const (
	StateApproved = "approved"
	StateRejected = "rejected"
)

// Decision is the terminal outcome for one request.
type Decision struct {
	State    string        `json:"state"`
	Reason   string        `json:"reason,omitempty"`
	Quantity int           `json:"quantity,omitempty"`
	Order    *orders.Order `json:"order,omitempty"`
}

// Controller evaluates requests against the live portfolio. All reads come
// from a single snapshot taken at the start of each evaluation, never
// cached across evaluations.
type Controller struct {
	cfg      Config
	state    *portfolio.State
	recorder audit.Recorder
	log      zerolog.Logger
}

func NewController(cfg Config, state *portfolio.State, recorder audit.Recorder, log zerolog.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		state:    state,
		recorder: recorder,
		log:      log.With().Str("component", component).Logger(),
	}
}

// Evaluate runs the full state machine for one request. It never panics
// outward and never errors: every internal failure becomes a rejected
// decision with reason internal_error.
func (c *Controller) Evaluate(req Request) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("symbol", req.Proposal.Symbol).Msg("evaluation panicked")
			d = c.reject(req, ReasonInternal, fmt.Sprintf("panic: %v", r))
		}
	}()

	if req.Verdict == critique.Veto {
		return c.reject(req, ReasonInternal, "vetoed proposal reached controller")
	}
	if err := signal.Validate(req.Proposal); err != nil {
		return c.reject(req, ReasonInternal, err.Error())
	}

	snap := c.state.Snapshot()
	if c.cfg.MaxStateAge > 0 && !snap.UpdatedAt.IsZero() && time.Since(snap.UpdatedAt) > c.cfg.MaxStateAge {
		return c.reject(req, ReasonStaleState, fmt.Sprintf("snapshot age %s", time.Since(snap.UpdatedAt)))
	}

	// Received -> Sized
	sized, reason, detail := c.size(req, snap)
	if reason != "" {
		return c.reject(req, reason, detail)
	}

	// Sized -> Constrained
	if reason, detail := c.constrain(sized, snap, time.Now()); reason != "" {
		return c.reject(req, reason, detail)
	}

	// Constrained -> Approved: quantity and protective levels are fixed
	// here and immutable afterwards.
	o := orders.NewOrder(
		req.CorrelationID,
		req.Proposal.Symbol,
		sized.side,
		sized.quantity,
		sized.entry,
		sized.stop,
		sized.target,
		req.Emergency,
	)
	d = Decision{State: StateApproved, Quantity: sized.quantity, Order: &o}
	c.recorder.Record(audit.New(req.CorrelationID, component, audit.KindApproved, "", approvalPayload{
		Proposal: req.Proposal,
		Verdict:  req.Verdict,
		Order:    o,
	}))
	observ.RecordDecision(StateApproved)
	c.log.Info().Str("symbol", req.Proposal.Symbol).Str("side", string(sized.side)).
		Int("quantity", sized.quantity).Msg("proposal approved")
	return d
}

func (c *Controller) reject(req Request, reason, detail string) Decision {
	c.recorder.Record(audit.New(req.CorrelationID, component, audit.KindRejected, reason, rejectionPayload{
		Proposal: req.Proposal,
		Verdict:  req.Verdict,
		Detail:   detail,
	}))
	observ.RecordDecision(StateRejected)
	observ.RecordRejection(reason)
	c.log.Info().Str("symbol", req.Proposal.Symbol).Str("reason", reason).
		Str("detail", detail).Msg("proposal rejected")
	return Decision{State: StateRejected, Reason: reason}
}

type approvalPayload struct {
	Proposal signal.Proposal  `json:"proposal"`
	Verdict  critique.Verdict `json:"verdict"`
	Order    orders.Order     `json:"order"`
}

type rejectionPayload struct {
	Proposal signal.Proposal  `json:"proposal"`
	Verdict  critique.Verdict `json:"verdict"`
	Detail   string           `json:"detail,omitempty"`
}
