// Package metrics holds the Prometheus collectors updated by the execution,
// retry and position risk layers.
//
//   - tradeguard_orders_total{type,outcome}       work-queue submissions and cancels
//   - tradeguard_retry_attempts_total{category,outcome}
//   - tradeguard_retry_results_total{status}      final RetryResult status
//   - tradeguard_breaker_open                     1 while the circuit breaker is open
//   - tradeguard_exits_total{reason}              position exits by rule
//   - tradeguard_realized_pnl_usd                 cumulative realized P&L
//   - tradeguard_open_positions                   positions in the book
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_orders_total",
			Help: "Order submissions and cancellations by outcome",
		},
		[]string{"type", "outcome"},
	)

	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_retry_attempts_total",
			Help: "Automated rejection fix attempts",
		},
		[]string{"category", "outcome"},
	)

	RetryResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_retry_results_total",
			Help: "Rejection handling outcomes by final status",
		},
		[]string{"status"},
	)

	BreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradeguard_breaker_open",
			Help: "1 while the retry circuit breaker is open",
		},
	)

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_exits_total",
			Help: "Position exits split by triggering rule",
		},
		[]string{"reason"},
	)

	RealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradeguard_realized_pnl_usd",
			Help: "Cumulative realized P&L in USD",
		},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradeguard_open_positions",
			Help: "Positions tracked by the risk engine",
		},
	)
)

func init() {
	prometheus.MustRegister(Orders, RetryAttempts, RetryResults, BreakerOpen, Exits, RealizedPnL, OpenPositions)
}
