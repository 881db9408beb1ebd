package portfolio

import "time"

// DrawdownConfig sets the soft and hard drawdown limits in percent of the
// daily high-water mark.
type DrawdownConfig struct {
	SoftLimitPct float64
	HardLimitPct float64
}

// DrawdownStatus reports the current drawdown and which thresholds were
// crossed by the update that produced it. The Crossed/Cleared fields fire
// once per transition so callers can audit them without deduplicating.
type DrawdownStatus struct {
	HighWaterMark float64
	DrawdownPct   float64
	SoftBreach    bool
	HardBreach    bool
	SoftCrossed   bool
	HardCrossed   bool
	HardCleared   bool
}

// DrawdownTracker tracks peak-to-current decline against a daily
// high-water mark. The hard-breach flag is latched: it clears only when
// drawdown has recovered below the soft limit AND at least one full trading
// session has elapsed since the breach. Recovery within the breach session
// never clears the flag, which prevents intraday flapping around the limit.
type DrawdownTracker struct {
	cfg DrawdownConfig

	hwm         float64
	hwmDate     string
	drawdownPct float64
	softBreach  bool
	hardBreach  bool
	breachDate  string // trading day the hard limit was crossed
}

func NewDrawdownTracker(cfg DrawdownConfig) *DrawdownTracker {
	return &DrawdownTracker{cfg: cfg}
}

// Update feeds a new total value and returns the resulting status.
// Not safe for concurrent use; State serializes all calls.
func (t *DrawdownTracker) Update(totalValue float64, now time.Time) DrawdownStatus {
	day := now.UTC().Format(dateLayout)

	// Reset the high-water mark at the session boundary.
	if t.hwmDate != day {
		t.hwm = totalValue
		t.hwmDate = day
	} else if totalValue > t.hwm {
		t.hwm = totalValue
	}

	t.drawdownPct = 0
	if t.hwm > 0 && totalValue < t.hwm {
		t.drawdownPct = (t.hwm - totalValue) / t.hwm * 100
	}

	status := DrawdownStatus{HighWaterMark: t.hwm}

	soft := t.drawdownPct >= t.cfg.SoftLimitPct
	if soft && !t.softBreach {
		status.SoftCrossed = true
	}
	t.softBreach = soft

	if t.drawdownPct >= t.cfg.HardLimitPct && !t.hardBreach {
		t.hardBreach = true
		t.breachDate = day
		status.HardCrossed = true
	}

	// Hysteresis: both the percentage condition and the elapsed-session
	// condition are required to unlatch.
	if t.hardBreach && t.drawdownPct < t.cfg.SoftLimitPct && day > t.breachDate {
		t.hardBreach = false
		t.breachDate = ""
		status.HardCleared = true
	}

	status.DrawdownPct = t.drawdownPct
	status.SoftBreach = t.softBreach
	status.HardBreach = t.hardBreach
	return status
}

// Current returns the last computed status without feeding a new value.
func (t *DrawdownTracker) Current() DrawdownStatus {
	return DrawdownStatus{
		HighWaterMark: t.hwm,
		DrawdownPct:   t.drawdownPct,
		SoftBreach:    t.softBreach,
		HardBreach:    t.hardBreach,
	}
}
