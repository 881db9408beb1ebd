package observ

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradedesk_decisions_total",
			Help: "Risk controller decisions by outcome",
		},
		[]string{"outcome"},
	)

	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradedesk_rejections_total",
			Help: "Risk controller rejections by reason",
		},
		[]string{"reason"},
	)

	orderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradedesk_order_transitions_total",
			Help: "Order lifecycle terminal transitions by state",
		},
		[]string{"state"},
	)

	emergencyExitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradedesk_emergency_exits_total",
			Help: "Protective exits initiated by the intraday monitor",
		},
	)

	drawdownPct = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradedesk_drawdown_pct",
			Help: "Current portfolio drawdown from the daily high-water mark",
		},
	)

	exposureUSD = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradedesk_exposure_usd",
			Help: "Sum of absolute open position notional",
		},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradedesk_open_positions",
			Help: "Number of open positions",
		},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tradedesk_decision_run_seconds",
			Help:    "Duration of scheduled decision runs",
			Buckets: prometheus.DefBuckets,
		},
	)

	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tradedesk_monitor_tick_seconds",
			Help:    "Duration of intraday monitor ticks",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(decisionsTotal)
	prometheus.MustRegister(rejectionsTotal)
	prometheus.MustRegister(orderTransitionsTotal)
	prometheus.MustRegister(emergencyExitsTotal)
	prometheus.MustRegister(drawdownPct)
	prometheus.MustRegister(exposureUSD)
	prometheus.MustRegister(openPositions)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(tickDuration)
}

// RecordDecision records a risk controller decision outcome (approved/rejected).
func RecordDecision(outcome string) {
	decisionsTotal.WithLabelValues(outcome).Inc()
}

// RecordRejection records a rejection by taxonomy reason.
func RecordRejection(reason string) {
	rejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordOrderTransition records an order reaching a terminal state.
func RecordOrderTransition(state string) {
	orderTransitionsTotal.WithLabelValues(state).Inc()
}

// RecordEmergencyExit counts a monitor-initiated protective exit.
func RecordEmergencyExit() {
	emergencyExitsTotal.Inc()
}

// SetPortfolioGauges updates the portfolio-level gauges after a snapshot.
func SetPortfolioGauges(drawdown, exposure float64, positions int) {
	drawdownPct.Set(drawdown)
	exposureUSD.Set(exposure)
	openPositions.Set(float64(positions))
}

// ObserveRunDuration records how long a decision run took.
func ObserveRunDuration(d time.Duration) {
	runDuration.Observe(d.Seconds())
}

// ObserveTickDuration records how long a monitor tick took.
func ObserveTickDuration(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}

// MetricsHandler returns the Prometheus scrape endpoint handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
