// Package kafkabus carries call announcements and inbound envelopes over Kafka.
package kafkabus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/tacos8me/calldoc/internal/config"
	"github.com/tacos8me/calldoc/internal/correlation"
	"github.com/tacos8me/calldoc/internal/logging"
	"github.com/tacos8me/calldoc/internal/metrics"
	"github.com/tacos8me/calldoc/internal/models"
)

const defaultBatchTimeout = 100 * time.Millisecond

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes call announcements to the call topic and forwards raw
// envelopes to the events and records topics. Messages are keyed by call id
// so one call always lands on the same partition.
type Producer struct {
	writer       messageWriter
	callTopic    string
	eventsTopic  string
	recordsTopic string
	log          logrus.FieldLogger

	published atomic.Uint64
	failed    atomic.Uint64
}

func NewProducer(cfg config.KafkaConfig, log logrus.FieldLogger) *Producer {
	timeout := cfg.BatchTimeout
	if timeout <= 0 {
		timeout = defaultBatchTimeout
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: timeout,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireOne,
	}
	return newProducer(w, cfg, log)
}

func newProducer(w messageWriter, cfg config.KafkaConfig, log logrus.FieldLogger) *Producer {
	return &Producer{
		writer:       w,
		callTopic:    cfg.CallTopic,
		eventsTopic:  cfg.EventsTopic,
		recordsTopic: cfg.RecordsTopic,
		log:          logging.Component(log, "kafka"),
	}
}

// PublishCall implements correlation.Publisher.
func (p *Producer) PublishCall(ctx context.Context, a models.CallAnnouncement) error {
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("serialize announcement: %w", err)
	}
	return p.write(ctx, kafka.Message{
		Topic:   p.callTopic,
		Key:     []byte(a.ExternalCallID),
		Value:   value,
		Time:    a.Timestamp,
		Headers: []kafka.Header{{Key: "type", Value: []byte(a.Type)}},
	})
}

// Forward writes an inbound envelope to the topic of ch.
func (p *Producer) Forward(ctx context.Context, ch correlation.Channel, key string, data []byte) error {
	var topic string
	switch ch {
	case correlation.ChannelEvents:
		topic = p.eventsTopic
	case correlation.ChannelRecords:
		topic = p.recordsTopic
	default:
		return fmt.Errorf("kafka: no topic for %s", ch)
	}
	return p.write(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: data})
}

func (p *Producer) write(ctx context.Context, msg kafka.Message) error {
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.failed.Add(1)
		metrics.PublishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("kafka write to %s failed: %w", msg.Topic, err)
	}
	p.published.Add(1)
	metrics.PublishTotal.WithLabelValues("ok").Inc()
	return nil
}

// ProducerStats counts Kafka writes.
type ProducerStats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

func (p *Producer) Stats() ProducerStats {
	return ProducerStats{Published: p.published.Load(), Failed: p.failed.Load()}
}

// Close flushes pending messages.
func (p *Producer) Close() error {
	err := p.writer.Close()
	p.log.WithFields(logrus.Fields{
		"published": p.published.Load(),
		"failed":    p.failed.Load(),
	}).Info("kafka producer closed")
	return err
}
