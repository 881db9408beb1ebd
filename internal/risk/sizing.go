package risk

import (
	"fmt"
	"math"

	"github.com/quantfold/tradedesk/internal/critique"
	"github.com/quantfold/tradedesk/internal/orders"
	"github.com/quantfold/tradedesk/internal/portfolio"
	"github.com/quantfold/tradedesk/internal/signal"
)

// sizedRequest is a request after the sizing transition, with side,
// quantity, and protective levels resolved.
type sizedRequest struct {
	symbol        string
	side          orders.Side
	quantity      int
	entry         float64
	stop          float64
	target        float64
	newEntry      bool // opens or adds to a position (exposure-increasing)
	emergencyExit bool
}

// size performs the Received -> Sized transition. Long proposals get the
// percentage-risk model:
//
//	riskAmount   = totalValue * riskPerTradePct/100
//	riskPerShare = |entry - stop|
//	quantity     = floor(riskAmount / riskPerShare)
//
// A reduce verdict scales the quantity by ReductionFactor before the
// floor. Short proposals close the symbol's open long position; opening
// short exposure is not representable in this book.
func (c *Controller) size(req Request, snap portfolio.Snapshot) (sizedRequest, string, string) {
	p := req.Proposal

	if p.Direction == signal.Short {
		return c.sizeExit(req, snap)
	}

	entry, stop, target := p.EntryPrice, p.StopPrice, p.TargetPrice
	if stop == 0 || target == 0 {
		entry, stop, target = DeriveLevels(p)
	}
	if entry <= 0 || stop <= 0 || target <= 0 {
		return sizedRequest{}, ReasonInvalidStop, fmt.Sprintf("entry=%v stop=%v target=%v", entry, stop, target)
	}

	riskPerShare := math.Abs(entry - stop)
	if riskPerShare == 0 {
		return sizedRequest{}, ReasonInvalidStop, "risk per share is zero"
	}

	riskAmount := snap.TotalValue * c.cfg.RiskPerTradePct / 100
	raw := riskAmount / riskPerShare
	if req.Verdict == critique.Reduce {
		raw *= c.cfg.ReductionFactor
	}
	quantity := int(math.Floor(raw))
	if quantity <= 0 {
		return sizedRequest{}, ReasonZeroSize, fmt.Sprintf("risk amount %.2f below one share of risk %.2f", riskAmount, riskPerShare)
	}

	return sizedRequest{
		symbol:   p.Symbol,
		side:     orders.Buy,
		quantity: quantity,
		entry:    entry,
		stop:     stop,
		target:   target,
		newEntry: true,
	}, "", ""
}

// sizeExit sizes a short proposal as a sell of the open position. A reduce
// verdict halves the exit instead of closing it.
func (c *Controller) sizeExit(req Request, snap portfolio.Snapshot) (sizedRequest, string, string) {
	pos, ok := snap.Position(req.Proposal.Symbol)
	if !ok || pos.Quantity <= 0 {
		return sizedRequest{}, ReasonNoPosition, "short proposal with no open position"
	}

	quantity := pos.Quantity
	if req.Verdict == critique.Reduce {
		quantity = int(math.Floor(float64(pos.Quantity) * c.cfg.ReductionFactor))
		if quantity <= 0 {
			quantity = 1
		}
	}

	entry := pos.LastPrice
	if entry <= 0 {
		entry = pos.AvgEntryPrice
	}
	return sizedRequest{
		symbol:        req.Proposal.Symbol,
		side:          orders.Sell,
		quantity:      quantity,
		entry:         entry,
		stop:          pos.StopPrice,
		target:        pos.TargetPrice,
		emergencyExit: req.Emergency,
	}, "", ""
}

// DeriveLevels computes protective levels when the proposal carries an
// entry price but no explicit stop or target. The target comes from the
// expected return; the stop band widens as confidence drops, between 2%
// and 3% of entry.
func DeriveLevels(p signal.Proposal) (entry, stop, target float64) {
	entry = p.EntryPrice
	if entry <= 0 {
		return 0, 0, 0
	}
	stopPct := 0.02 * (1.5 - 0.5*p.Confidence)
	stop = entry * (1 - stopPct)
	ret := p.ExpectedReturn
	if ret <= 0 {
		ret = stopPct // degenerate proposal: symmetric band
	}
	target = entry * (1 + ret)
	return entry, stop, target
}
