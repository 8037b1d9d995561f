package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"imconnect/node/internal/config"
	"imconnect/node/internal/logging"
	"imconnect/node/internal/protocol"
)

// KafkaPublisher is an idempotent Kafka producer.
type KafkaPublisher struct {
	producer *kafka.Producer
	logger   *logging.Logger
	done     chan struct{}
}

// NewKafkaPublisher connects to the brokers in cfg.
func NewKafkaPublisher(cfg config.KafkaConfig, logger *logging.Logger) (*KafkaPublisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"client.id":          cfg.ClientID,
		"acks":               "all",
		"enable.idempotence": true,
		"linger.ms":          5,
		"compression.type":   "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	if logger == nil {
		logger = logging.L()
	}
	p := &KafkaPublisher{producer: producer, logger: logger, done: make(chan struct{})}
	go p.watchDeliveries()
	return p, nil
}

func (p *KafkaPublisher) watchDeliveries() {
	defer close(p.done)
	for event := range p.producer.Events() {
		switch ev := event.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				topic := ""
				if ev.TopicPartition.Topic != nil {
					topic = *ev.TopicPartition.Topic
				}
				p.logger.Error("kafka delivery failed",
					logging.String("topic", topic),
					logging.String("key", string(ev.Key)),
					logging.Error(ev.TopicPartition.Error),
				)
			}
		case kafka.Error:
			p.logger.Warn("kafka producer error", logging.Error(ev))
		}
	}
}

// Publish enqueues a record; delivery failures are reported asynchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          value,
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return p.producer.Produce(msg, nil)
}

// Close flushes outstanding records.
func (p *KafkaPublisher) Close() {
	if remaining := p.producer.Flush(10000); remaining > 0 {
		p.logger.Warn("kafka flush left records undelivered", logging.Int("remaining", remaining))
	}
	p.producer.Close()
	<-p.done
}

// messageReader is the subset of *kafka.Consumer used by the feed.
type messageReader interface {
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Close() error
}

// GroupHandler receives stored group messages in feed order.
type GroupHandler func(ctx context.Context, msg *protocol.GroupMessage)

// BroadcastFeed consumes the group broadcast topic. Every node uses its own consumer
// group so that each node sees every message.
type BroadcastFeed struct {
	reader  messageReader
	handler GroupHandler
	logger  *logging.Logger
}

// NewBroadcastFeed subscribes node to TopicGroupBroadcast.
func NewBroadcastFeed(cfg config.KafkaConfig, node string, handler GroupHandler, logger *logging.Logger) (*BroadcastFeed, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"client.id":          cfg.ClientID,
		"group.id":           "imconnect-broadcast-" + node,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": true,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if err := consumer.Subscribe(TopicGroupBroadcast, nil); err != nil {
		consumer.Close()
		return nil, fmt.Errorf("subscribe %s: %w", TopicGroupBroadcast, err)
	}
	return newBroadcastFeed(consumer, handler, logger), nil
}

func newBroadcastFeed(reader messageReader, handler GroupHandler, logger *logging.Logger) *BroadcastFeed {
	if logger == nil {
		logger = logging.L()
	}
	return &BroadcastFeed{reader: reader, handler: handler, logger: logger}
}

// Run delivers messages until ctx is cancelled, then closes the consumer.
func (f *BroadcastFeed) Run(ctx context.Context) error {
	defer f.reader.Close()
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := f.reader.ReadMessage(time.Second)
		if err != nil {
			var kafkaErr kafka.Error
			if errors.As(err, &kafkaErr) && kafkaErr.Code() == kafka.ErrTimedOut {
				continue
			}
			f.logger.Warn("broadcast feed read failed", logging.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		var group protocol.GroupMessage
		if err := group.UnmarshalWire(msg.Value); err != nil {
			f.logger.Warn("broadcast feed message undecodable", logging.Error(err))
			continue
		}
		f.handler(ctx, &group)
	}
}
