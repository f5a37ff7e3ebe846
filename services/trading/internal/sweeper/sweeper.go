// Package sweeper periodically expires pending trades that outlived their deadline.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultTimeout = 30 * time.Second

type Expirer interface {
	SweepExpired(ctx context.Context) (int, error)
}

type Metrics struct {
	Runs     *prometheus.CounterVec
	Duration prometheus.Histogram
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trading_expiry_sweeps_total",
				Help: "Expiry sweep runs by result.",
			},
			[]string{"result"},
		),
		Duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trading_expiry_sweep_duration_seconds",
				Help:    "Duration of one expiry sweep in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	if registry != nil {
		registry.MustRegister(m.Runs, m.Duration)
	}
	return m
}

func (m *Metrics) observe(start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Runs.WithLabelValues(result).Inc()
	m.Duration.Observe(time.Since(start).Seconds())
}

type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	timeout  time.Duration
	metrics  *Metrics
	logger   *slog.Logger
}

func New(expirer Expirer, interval, timeout time.Duration, metrics *Metrics, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Sweeper{expirer: expirer, interval: interval, timeout: timeout, metrics: metrics, logger: logger}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
// A failed sweep is logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Warn("trade expiry sweeper disabled")
		<-ctx.Done()
		return nil
	}

	s.SweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := s.expirer.SweepExpired(sweepCtx)
	s.metrics.observe(start, err)
	if err != nil {
		if ctx.Err() != nil {
			return n, err
		}
		s.logger.Error("trade expiry sweep failed", "expired", n, "error", err)
		return n, err
	}
	if n > 0 {
		s.logger.Info("expired pending trades", "count", n, "duration", time.Since(start))
	}
	return n, nil
}
