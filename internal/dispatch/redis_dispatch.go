package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/models"
)

// ErrNoSubscriber is returned when a message was published to a channel
// nobody listens on.
var ErrNoSubscriber = errors.New("no subscriber for recipient")

// publisher is the subset of the redis client used by RedisPublisher.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

const defaultNotifyPrefix = "dispatch:notify:"

// RedisPublisher delivers messages through Redis Pub/Sub, one channel per
// recipient. Every API instance runs a RedisRelay on the same prefix and the
// one holding the recipient's socket writes it out.
type RedisPublisher struct {
	client publisher
	prefix string
}

func NewRedisPublisher(client publisher, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = defaultNotifyPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Channel(recipientID string) string { return p.prefix + recipientID }

func (p *RedisPublisher) Send(ctx context.Context, recipientID string, msg models.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	n, err := p.client.Publish(ctx, p.Channel(recipientID), b).Result()
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if n == 0 {
		return ErrNoSubscriber
	}
	return nil
}

// RedisRelay is the receiving end of RedisPublisher: it hands messages seen
// on the notify channels to this instance's sessions. It only delivers
// locally and never publishes, so a message cannot loop between instances.
type RedisRelay struct {
	Local  Notifier
	Prefix string
	Logger *slog.Logger
}

func (r *RedisRelay) prefix() string {
	if r.Prefix == "" {
		return defaultNotifyPrefix
	}
	return r.Prefix
}

// Pattern is the PSUBSCRIBE pattern covering every recipient channel.
func (r *RedisRelay) Pattern() string { return r.prefix() + "*" }

// Run forwards messages until ctx is done or msgs is closed.
func (r *RedisRelay) Run(ctx context.Context, msgs <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			r.forward(ctx, m)
		}
	}
}

func (r *RedisRelay) forward(ctx context.Context, m *redis.Message) {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	id, ok := strings.CutPrefix(m.Channel, r.prefix())
	if !ok || id == "" {
		log.Warn("relay: unexpected channel", "channel", m.Channel)
		return
	}
	var msg models.Message
	if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
		log.Warn("relay: bad payload", "channel", m.Channel, "error", err)
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	err := r.Local.Send(sendCtx, id, msg)
	switch {
	case err == nil:
		log.Debug("relayed notification", "recipient_id", id, "type", msg.Type, "job_id", msg.JobID)
	case errors.Is(err, ErrNoSession):
		// held by another instance
	default:
		log.Warn("relay: deliver", "recipient_id", id, "error", err)
	}
}
