package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"

	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
)

// Alert kinds raised by this module.
const (
	KindMatchingTimeout = "MATCHING_TIMEOUT"
	KindNoCandidates    = "NO_CANDIDATES"
	KindSystemHealth    = "SYSTEM_HEALTH"
)

// Sink receives operator-facing escalations.
type Sink interface {
	Raise(ctx context.Context, a models.Alert) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Raise(ctx context.Context, a models.Alert) error {
	level := slog.LevelWarn
	if a.Severity == models.SeverityCritical {
		level = slog.LevelError
	}
	s.Logger.Log(ctx, level, "alert", "kind", a.Kind, "job_id", a.JobID, "severity", a.Severity, "message", a.Message, "context", a.Context)
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes alerts as JSON to a topic consumed by the paging side.
type KafkaSink struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.LeastBytes{}}
	return &KafkaSink{writer: w, timeout: 2 * time.Second}
}

func (s *KafkaSink) Raise(ctx context.Context, a models.Alert) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return s.writer.WriteMessages(ctx, kafka.Message{Key: []byte(a.Kind), Value: b})
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// Multi raises an alert on every sink, stamping RaisedAt and counting it.
// All sinks are tried even if some fail.
type Multi []Sink

func (m Multi) Raise(ctx context.Context, a models.Alert) error {
	if a.RaisedAt.IsZero() {
		a.RaisedAt = time.Now().UTC()
	}
	observability.AlertsRaised.WithLabelValues(a.Kind).Inc()
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Raise(ctx, a))
	}
	return err
}
