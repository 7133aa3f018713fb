package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"trustlayer/internal/platform/kafka/producer"
	"trustlayer/internal/platform/privacy"
)

// AsyncProducer is the subset of the Kafka producer the publisher needs.
type AsyncProducer interface {
	ProduceAsync(msg *producer.Message) error
}

// KafkaPublisher writes alerts to a topic keyed by subject, so one
// subject's alerts stay ordered within a partition. Client addresses are
// reduced to their network before leaving the service.
type KafkaPublisher struct {
	producer AsyncProducer
	topic    string
	logger   *slog.Logger
	metrics  *Metrics
}

type KafkaOption func(*KafkaPublisher)

func WithKafkaLogger(logger *slog.Logger) KafkaOption {
	return func(p *KafkaPublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithKafkaMetrics(m *Metrics) KafkaOption {
	return func(p *KafkaPublisher) {
		p.metrics = m
	}
}

func NewKafkaPublisher(prod AsyncProducer, topic string, opts ...KafkaOption) *KafkaPublisher {
	p := &KafkaPublisher{producer: prod, topic: topic, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *KafkaPublisher) Publish(ctx context.Context, a Alert) {
	a = normalize(a)
	a.IP = privacy.AnonymizeIP(a.IP)

	value, err := json.Marshal(a)
	if err != nil {
		p.metrics.inc(a.Type, "error")
		p.logger.ErrorContext(ctx, "encode security alert", "alert_id", a.ID, "error", err)
		return
	}
	err = p.producer.ProduceAsync(&producer.Message{
		Topic: p.topic,
		Key:   []byte(a.SubjectID),
		Value: value,
		Headers: map[string]string{
			"alert_type": string(a.Type),
			"severity":   string(a.Severity),
		},
	})
	if errors.Is(err, producer.ErrBufferFull) {
		p.metrics.inc(a.Type, "dropped")
		p.logger.ErrorContext(ctx, "security alert dropped, kafka buffer full",
			"alert_id", a.ID,
			"alert_type", string(a.Type),
			"subject_id", a.SubjectID,
		)
		return
	}
	if err != nil {
		p.metrics.inc(a.Type, "error")
		p.logger.WarnContext(ctx, "security alert not sent to kafka",
			"alert_id", a.ID,
			"alert_type", string(a.Type),
			"error", err,
		)
		return
	}
	p.metrics.inc(a.Type, "queued")
}
