package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/models"
)

const publishTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes worker location updates keyed by worker id so a
// worker's updates stay ordered within a partition.
type KafkaProducer struct {
	writer messageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.WorkerID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeLocation parses a message produced by PublishLocation.
func DecodeLocation(m kafka.Message) (models.LocationUpdate, error) {
	var u models.LocationUpdate
	if err := json.Unmarshal(m.Value, &u); err != nil {
		return u, fmt.Errorf("decode location: %w", err)
	}
	if u.WorkerID == "" {
		u.WorkerID = string(m.Key)
	}
	if u.WorkerID == "" {
		return u, fmt.Errorf("decode location: missing worker id")
	}
	return u, nil
}
