package outbox

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// KafkaPublisher writes messages to a single topic keyed by aggregate, so
// events of one order land in one partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	lg       *zap.Logger
}

// NewKafkaPublisher connects an idempotent synchronous producer to brokers.
func NewKafkaPublisher(brokers []string, topic string, lg *zap.Logger) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "storefront"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create kafka producer")
	}
	return newKafkaPublisher(producer, topic, lg), nil
}

func newKafkaPublisher(producer sarama.SyncProducer, topic string, lg *zap.Logger) *KafkaPublisher {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &KafkaPublisher{producer: producer, topic: topic, lg: lg}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(_ context.Context, msg Message) error {
	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}
	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(msg.Payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("message_id"), Value: []byte(msg.ID)},
			{Key: []byte("event_type"), Value: []byte(msg.EventType)},
		},
		Timestamp: msg.CreatedAt,
	})
	if err != nil {
		return errors.Wrapf(err, "send %s to %s", msg.EventType, p.topic)
	}
	p.lg.Debug("Message sent",
		zap.String("message_id", msg.ID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

// Close flushes and closes the producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// LogPublisher logs messages instead of sending them. Used when no broker is
// configured.
type LogPublisher struct {
	lg *zap.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(lg *zap.Logger) *LogPublisher {
	return &LogPublisher{lg: lg}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, msg Message) error {
	p.lg.Info("Event",
		zap.String("message_id", msg.ID),
		zap.String("event_type", msg.EventType),
		zap.String("aggregate_id", msg.AggregateID),
		zap.Duration("age", time.Since(msg.CreatedAt)),
		zap.ByteString("payload", msg.Payload),
	)
	return nil
}
