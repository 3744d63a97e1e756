package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/rawblock/chainwatch-engine/pkg/models"
)

// Message types carried in Envelope.Type.
const (
	TypeAlert      = "alert"
	TypeRunSummary = "run_summary"
)

// Envelope wraps every message published to the alert topic.
type Envelope struct {
	Type string          `json:"type"`
	TS   int64           `json:"ts"` // unix milli
	Data json.RawMessage `json:"data"`
}

// KafkaSink publishes alerts to a Kafka topic, keyed by wallet address so a
// wallet's alerts land on one partition in order.
type KafkaSink struct {
	topic string
	p     sarama.SyncProducer
	now   func() time.Time
}

// NewKafkaSink dials brokers with a sync, ack-all producer.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if topic == "" {
		return nil, errors.New("kafka topic empty")
	}
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers")
	}

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	// SyncProducer requires both.
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return newKafkaSink(topic, p), nil
}

func newKafkaSink(topic string, p sarama.SyncProducer) *KafkaSink {
	return &KafkaSink{topic: topic, p: p, now: time.Now}
}

func (s *KafkaSink) Close() error {
	if s.p != nil {
		return s.p.Close()
	}
	return nil
}

// Publish sends one alert. It satisfies heuristics.AlertSink.
func (s *KafkaSink) Publish(ctx context.Context, alert models.Alert) error {
	return s.Emit(ctx, TypeAlert, alert.WalletAddress, alert)
}

// Emit wraps v in an Envelope and sends it synchronously. The producer does
// not take a context, so ctx is only checked before sending.
func (s *KafkaSink) Emit(ctx context.Context, typ, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	b, err := json.Marshal(Envelope{Type: typ, TS: s.now().UnixMilli(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Value: sarama.ByteEncoder(b),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	if _, _, err := s.p.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka emit %s: %w", typ, err)
	}
	return nil
}
