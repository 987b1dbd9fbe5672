package dispatch

import (
	"context"
	"fmt"

	"github.com/example/driver-dispatch/internal/models"
)

// Fallback tries Primary first (typically live websockets) and uses
// Secondary when the primary cannot deliver.
type Fallback struct {
	Primary   Notifier
	Secondary Notifier
}

func (f *Fallback) Send(ctx context.Context, recipientID string, msg models.Message) error {
	err := f.Primary.Send(ctx, recipientID, msg)
	if err == nil || f.Secondary == nil {
		return err
	}
	if err2 := f.Secondary.Send(ctx, recipientID, msg); err2 != nil {
		return fmt.Errorf("primary: %v; secondary: %w", err, err2)
	}
	return nil
}
