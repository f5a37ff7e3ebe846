package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TradesTotal        *prometheus.CounterVec
	SettlementDuration prometheus.Histogram
	ExpiredTotal       prometheus.Counter
	RateLimitedTotal   *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		TradesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trading_trades_total",
				Help: "Trade operations by action and outcome code.",
			},
			[]string{"action", "status"},
		),
		SettlementDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trading_settlement_duration_seconds",
				Help:    "Duration of the settlement transaction in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		ExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trading_expired_total",
				Help: "Trades moved to expired by sweep or on access.",
			},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trading_rate_limited_total",
				Help: "Requests rejected by the trade rate limiter.",
			},
			[]string{"action"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.TradesTotal,
			m.SettlementDuration,
			m.ExpiredTotal,
			m.RateLimitedTotal,
		)
	}
	return m
}

func (m *Metrics) observe(action string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = ErrorCode(err)
	}
	m.TradesTotal.WithLabelValues(action, status).Inc()
}

func (m *Metrics) observeSettlement(d time.Duration) {
	if m == nil {
		return
	}
	m.SettlementDuration.Observe(d.Seconds())
}

func (m *Metrics) addExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ExpiredTotal.Add(float64(n))
}

func (m *Metrics) rateLimited(action string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(action).Inc()
}
