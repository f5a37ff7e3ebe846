package kafka

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
)

var ErrNotConfigured = errors.New("kafka producer not configured")

type ProducerMetrics struct {
	PublishTotal   *prometheus.CounterVec
	PublishLatency prometheus.Histogram
}

func NewProducerMetrics(registry *prometheus.Registry) *ProducerMetrics {
	m := &ProducerMetrics{
		PublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_publish_total",
				Help: "Total Kafka publish attempts.",
			},
			[]string{"topic", "status"},
		),
		PublishLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kafka_publish_latency_seconds",
				Help:    "Kafka publish latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	if registry != nil {
		registry.MustRegister(m.PublishTotal, m.PublishLatency)
	}
	return m
}

func (m *ProducerMetrics) observe(topic string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.PublishTotal.WithLabelValues(topic, status).Inc()
	m.PublishLatency.Observe(time.Since(start).Seconds())
}

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

// NopPublisher drops every message. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishJSON(context.Context, string, string, any) (int32, int64, error) {
	return 0, 0, nil
}

func (NopPublisher) Close() error { return nil }

// DeadLetter is what lands on the dead-letter topic when a primary publish fails.
type DeadLetter struct {
	OriginalTopic string    `json:"original_topic"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func NewDeadLetter(topic, key string, value any, err error, reason string) DeadLetter {
	raw, marshalErr := json.Marshal(value)
	if marshalErr != nil {
		raw = []byte(fmt.Sprintf("%v", value))
	}
	dl := DeadLetter{
		OriginalTopic: topic,
		Key:           key,
		Reason:        reason,
		Payload:       base64.StdEncoding.EncodeToString(raw),
		Timestamp:     time.Now().UTC(),
	}
	if err != nil {
		dl.Error = err.Error()
	}
	return dl
}

type DLQPublisher struct {
	primary  Publisher
	dlq      Publisher
	dlqTopic string
	logger   *slog.Logger
}

func NewDLQPublisher(primary, dlq Publisher, dlqTopic string, logger *slog.Logger) *DLQPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQPublisher{primary: primary, dlq: dlq, dlqTopic: dlqTopic, logger: logger}
}

func (p *DLQPublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if p == nil || p.primary == nil {
		return 0, 0, ErrNotConfigured
	}
	partition, offset, err := p.primary.PublishJSON(ctx, topic, key, value)
	if err == nil || p.dlq == nil || p.dlqTopic == "" {
		return partition, offset, err
	}
	letter := NewDeadLetter(topic, key, value, err, "publish_failed")
	if _, _, dlqErr := p.dlq.PublishJSON(ctx, p.dlqTopic, key, letter); dlqErr != nil {
		p.logger.Error("dead letter publish failed", "topic", p.dlqTopic, "error", dlqErr)
	}
	return partition, offset, err
}

func (p *DLQPublisher) Close() error {
	if p == nil || p.primary == nil {
		return nil
	}
	return p.primary.Close()
}

type SyncProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
	metrics  *ProducerMetrics
}

func NewSyncProducer(brokers []string, logger *slog.Logger, metrics *ProducerMetrics) (*SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newSyncProducer(producer, logger, metrics), nil
}

func newSyncProducer(producer sarama.SyncProducer, logger *slog.Logger, metrics *ProducerMetrics) *SyncProducer {
	return &SyncProducer{producer: producer, logger: logger, metrics: metrics}
}

func (p *SyncProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal kafka payload: %w", err)
	}

	start := time.Now()
	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	})
	p.metrics.observe(topic, start, err)
	if err != nil {
		p.logger.Error("kafka publish failed", "topic", topic, "error", err)
		return 0, 0, fmt.Errorf("kafka publish failed: %w", err)
	}
	return partition, offset, nil
}

func (p *SyncProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
