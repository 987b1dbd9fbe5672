package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

// HTTPPush posts messages as JSON to a push gateway (FCM relay or
// messaging webhook) using an optional bearer key.
type HTTPPush struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPPush(endpoint, key string) *HTTPPush {
	return &HTTPPush{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *HTTPPush) Send(ctx context.Context, recipientID string, msg models.Message) error {
	body := map[string]interface{}{"message": map[string]interface{}{"recipient_id": recipientID, "data": msg}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push gateway returned %d", resp.StatusCode)
	}
	return nil
}
