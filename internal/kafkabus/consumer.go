package kafkabus

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/tacos8me/calldoc/internal/config"
	"github.com/tacos8me/calldoc/internal/correlation"
	"github.com/tacos8me/calldoc/internal/logging"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Submitter receives inbound envelopes; *correlation.Engine implements it.
type Submitter interface {
	Submit(ctx context.Context, ch correlation.Channel, data []byte) error
}

// Consumer feeds the events and records topics into a Submitter. A message
// is committed once the submitter has accepted it.
type Consumer struct {
	reader     messageReader
	channels   map[string]correlation.Channel
	sink       Submitter
	log        logrus.FieldLogger
	retryDelay time.Duration
}

func NewConsumer(cfg config.KafkaConfig, sink Submitter, log logrus.FieldLogger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		GroupTopics:    []string{cfg.EventsTopic, cfg.RecordsTopic},
		StartOffset:    kafka.FirstOffset,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	})
	return newConsumer(r, cfg, sink, log)
}

func newConsumer(r messageReader, cfg config.KafkaConfig, sink Submitter, log logrus.FieldLogger) *Consumer {
	return &Consumer{
		reader: r,
		channels: map[string]correlation.Channel{
			cfg.EventsTopic:  correlation.ChannelEvents,
			cfg.RecordsTopic: correlation.ChannelRecords,
		},
		sink:       sink,
		log:        logging.Component(log, "kafka-consumer"),
		retryDelay: 5 * time.Second,
	}
}

// Run consumes until ctx is done or the submitter stops, then closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	c.log.Info("kafka consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).Error("failed to fetch kafka message")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryDelay):
				continue
			}
		}

		ch, ok := c.channels[msg.Topic]
		if !ok {
			c.log.WithField("topic", msg.Topic).Warn("skipping message from unexpected topic")
		} else if err := c.sink.Submit(ctx, ch, msg.Value); err != nil {
			if errors.Is(err, correlation.ErrStopped) || ctx.Err() != nil {
				// not committed: it is redelivered on the next start
				return nil
			}
			c.log.WithError(err).WithFields(logrus.Fields{
				"topic":     msg.Topic,
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Error("failed to submit message")
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Error("failed to commit message")
		}
	}
}
