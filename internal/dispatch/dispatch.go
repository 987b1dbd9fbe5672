package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/example/driver-dispatch/internal/models"
)

// Notifier pushes a message to a single recipient (worker or requester).
// Each call is independent; an error only concerns that recipient.
type Notifier interface {
	Send(ctx context.Context, recipientID string, msg models.Message) error
}

// DeliveryError records a failed delivery to one recipient.
type DeliveryError struct {
	RecipientID string
	Err         error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.RecipientID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// BroadcastResult is the collected outcome of a fan-out.
type BroadcastResult struct {
	Delivered []string
	Failed    []*DeliveryError
}

// Err combines all delivery failures, or nil.
func (r BroadcastResult) Err() error {
	var err error
	for _, f := range r.Failed {
		err = multierr.Append(err, f)
	}
	return err
}

// Broadcaster sends the same kind of message to many recipients, one
// goroutine per recipient, each bounded by its own timeout. A failing or slow
// recipient never stops delivery to the others.
type Broadcaster struct {
	Notifier    Notifier
	Timeout     time.Duration
	Concurrency int
}

// Broadcast delivers build(recipient) to every recipient and waits for all
// deliveries to finish.
func (b *Broadcaster) Broadcast(ctx context.Context, recipients []string, build func(recipientID string) models.Message) BroadcastResult {
	var (
		mu  sync.Mutex
		res BroadcastResult
		g   errgroup.Group
	)
	if b.Concurrency > 0 {
		g.SetLimit(b.Concurrency)
	}
	for _, id := range recipients {
		id := id
		g.Go(func() error {
			err := b.SendOne(ctx, id, build(id))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed = append(res.Failed, &DeliveryError{RecipientID: id, Err: err})
			} else {
				res.Delivered = append(res.Delivered, id)
			}
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// SendOne delivers a single message within the broadcaster's timeout.
func (b *Broadcaster) SendOne(ctx context.Context, recipientID string, msg models.Message) error {
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}
	return b.Notifier.Send(ctx, recipientID, msg)
}

// LogNotifier only logs messages. Useful when no transport is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l *LogNotifier) Send(ctx context.Context, recipientID string, msg models.Message) error {
	l.Logger.InfoContext(ctx, "notification", "recipient_id", recipientID, "type", msg.Type, "job_id", msg.JobID)
	return nil
}
