// Package metrics holds the Prometheus collectors the bot updates while running.
//
// Exposed series:
//   - spotbot_orders_total{side,result}          orders attempted by the engine (result: filled|unfilled)
//   - spotbot_entry_rejections_total{reason}     entries refused before any order
//   - spotbot_state_transitions_total{from,to}   position state machine edges
//   - spotbot_position_state{state}              1 for the current state, 0 otherwise
//   - spotbot_position_qty                       held base quantity
//   - spotbot_equity                             latest equity estimate (quote currency)
//   - spotbot_daily_drawdown                     drawdown vs start-of-day equity (negative is loss)
//   - spotbot_entry_slippage_ratio               projected slippage of accepted entries
//   - spotbot_order_latency_seconds{side}        submit to terminal status
//   - spotbot_rate_limited_total{op}             rate-limited exchange outcomes
//   - spotbot_safe_cooldowns_total{reason}       safe cooldown activations
//   - spotbot_adapter_degraded                   1 while the exchange adapter is DEGRADED
//   - spotbot_risk_halts_total                   daily drawdown hard stops
//
// They are registered in init() and served at /metrics by the API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotbot_orders_total",
			Help: "Orders attempted by the execution engine",
		},
		[]string{"side", "result"},
	)

	EntryRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotbot_entry_rejections_total",
			Help: "Entries refused before an order reached the exchange",
		},
		[]string{"reason"},
	)

	StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotbot_state_transitions_total",
			Help: "Position state machine transitions",
		},
		[]string{"from", "to"},
	)

	// One labeled series per state, flipped between 0 and 1.
	PositionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spotbot_position_state",
			Help: "Current position state (1 = active)",
		},
		[]string{"state"},
	)

	PositionQty = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotbot_position_qty",
			Help: "Held base asset quantity",
		},
	)

	Equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotbot_equity",
			Help: "Equity estimate in quote currency",
		},
	)

	DailyDrawdown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotbot_daily_drawdown",
			Help: "Drawdown relative to start-of-day equity",
		},
	)

	EntrySlippage = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spotbot_entry_slippage_ratio",
			Help:    "Projected VWAP slippage vs best ask for accepted entries",
			Buckets: []float64{0, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.02},
		},
	)

	OrderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spotbot_order_latency_seconds",
			Help:    "Time from order submission to terminal status or cancel",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 15},
		},
		[]string{"side"},
	)

	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotbot_rate_limited_total",
			Help: "Rate-limited exchange outcomes",
		},
		[]string{"op"},
	)

	SafeCooldowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spotbot_safe_cooldowns_total",
			Help: "Safe cooldown activations",
		},
		[]string{"reason"},
	)

	AdapterDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spotbot_adapter_degraded",
			Help: "1 while the exchange adapter is DEGRADED",
		},
	)

	RiskHalts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spotbot_risk_halts_total",
			Help: "Daily drawdown hard stops",
		},
	)

	PersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spotbot_state_persist_failures_total",
			Help: "Runtime state writes that failed",
		},
	)
)

var allStates = []string{"FLAT", "ENTRY_PENDING", "IN_POSITION", "EXIT_PENDING", "SAFE_COOLDOWN"}

func init() {
	prometheus.MustRegister(
		Orders,
		EntryRejections,
		StateTransitions,
		PositionState,
		PositionQty,
		Equity,
		DailyDrawdown,
		EntrySlippage,
		OrderLatency,
		RateLimited,
		SafeCooldowns,
		AdapterDegraded,
		RiskHalts,
		PersistFailures,
	)
}

// SetPositionState flips the state gauges so exactly one series is 1
func SetPositionState(state string) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		PositionState.WithLabelValues(s).Set(v)
	}
}

// SetAdapterStatus maps "OK"/"DEGRADED" onto the gauge
func SetAdapterStatus(status string) {
	if status == "DEGRADED" {
		AdapterDegraded.Set(1)
		return
	}
	AdapterDegraded.Set(0)
}
