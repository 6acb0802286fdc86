package enforcer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/umputun/chatwarden/pkg/domain"
)

// Webhook is a Blocker that posts block actions to an external moderation
// endpoint, e.g. a platform bot API. The attempt timeout comes from the
// queue via context.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook blocker for the given URL
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url: url,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
			},
		},
	}
}

// Block posts the identity to the webhook, any non-2xx response is a failure
func (wh *Webhook) Block(ctx context.Context, identity domain.Identity, _ domain.ContentRef) error {
	body, err := json.Marshal(map[string]string{"username": string(identity)})
	if err != nil {
		return fmt.Errorf("marshal block request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create block request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := wh.client.Do(req)
	if err != nil {
		return fmt.Errorf("post block action: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("block action rejected with status %d", resp.StatusCode)
	}
	return nil
}
