package risk

import (
	"fmt"
	"time"

	"github.com/quantfold/tradedesk/internal/orders"
	"github.com/quantfold/tradedesk/internal/portfolio"
)

// constrain performs the Sized -> Constrained transition. Checks run in a
// fixed order and the first failure short-circuits: a decision is never
// partially applied. All reads come from the snapshot taken for this
// evaluation.
func (c *Controller) constrain(s sizedRequest, snap portfolio.Snapshot, now time.Time) (string, string) {
	checks := []func(sizedRequest, portfolio.Snapshot, time.Time) (string, string){
		c.checkMaxSingle,
		c.checkMaxCount,
		c.checkMaxExposure,
		c.checkSameDayExit,
		c.checkHardDrawdown,
	}
	for _, check := range checks {
		if reason, detail := check(s, snap, now); reason != "" {
			return reason, detail
		}
	}
	return "", ""
}

// checkMaxSingle rejects any entry whose resulting notional would exceed
// the single-position fraction of total value. Oversized entries are
// rejected, never clamped.
func (c *Controller) checkMaxSingle(s sizedRequest, snap portfolio.Snapshot, _ time.Time) (string, string) {
	if !s.newEntry {
		return "", ""
	}
	limit := snap.TotalValue * c.cfg.MaxSinglePositionPct / 100
	notional := float64(s.quantity) * s.entry
	if pos, ok := snap.Position(s.symbol); ok {
		notional += pos.Notional()
	}
	if notional > limit {
		return ReasonMaxPosition, fmt.Sprintf("notional %.2f exceeds single-position limit %.2f", notional, limit)
	}
	return "", ""
}

// checkMaxCount rejects an entry that would open a position beyond the
// configured count.
func (c *Controller) checkMaxCount(s sizedRequest, snap portfolio.Snapshot, _ time.Time) (string, string) {
	if !s.newEntry {
		return "", ""
	}
	if _, held := snap.Position(s.symbol); held {
		return "", ""
	}
	if len(snap.Positions)+1 > c.cfg.MaxPositions {
		return ReasonMaxCount, fmt.Sprintf("open positions %d at limit %d", len(snap.Positions), c.cfg.MaxPositions)
	}
	return "", ""
}

// checkMaxExposure rejects an entry that would push total absolute
// notional past the exposure fraction of total value.
func (c *Controller) checkMaxExposure(s sizedRequest, snap portfolio.Snapshot, _ time.Time) (string, string) {
	if !s.newEntry {
		return "", ""
	}
	limit := snap.TotalValue * c.cfg.MaxExposurePct / 100
	proposed := snap.ExposureUSD + float64(s.quantity)*s.entry
	if proposed > limit {
		return ReasonMaxExposure, fmt.Sprintf("exposure %.2f would exceed limit %.2f", proposed, limit)
	}
	return "", ""
}

// checkSameDayExit enforces the pattern-day-trade rule: a position may not
// be closed on the calendar day it was opened. The intraday monitor's
// emergency path is the sole legitimate bypass.
func (c *Controller) checkSameDayExit(s sizedRequest, snap portfolio.Snapshot, now time.Time) (string, string) {
	if s.side != orders.Sell || s.emergencyExit {
		return "", ""
	}
	if snap.OpenedToday(s.symbol, now) {
		return ReasonPDT, fmt.Sprintf("position in %s opened today", s.symbol)
	}
	return "", ""
}

// checkHardDrawdown rejects every buy while the hard-breach flag is
// latched. Exits remain allowed; the system keeps de-risking.
func (c *Controller) checkHardDrawdown(s sizedRequest, snap portfolio.Snapshot, _ time.Time) (string, string) {
	if s.side == orders.Buy && snap.HardBreach {
		return ReasonDrawdown, fmt.Sprintf("hard drawdown breach active at %.2f%%", snap.DrawdownPct)
	}
	return "", ""
}
