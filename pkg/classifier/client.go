package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater/v2"

	"github.com/umputun/chatwarden/pkg/domain"
)

// Client talks to the external decision service. The service is opaque:
// it takes a batch of (identity, text) pairs and returns a verdict per
// identity. Transport failures and non-2xx responses are retried with
// linear backoff; callers are expected to fall back to allow-all via
// Fallback when Analyze ultimately fails.
type Client struct {
	endpoint      string
	client        *http.Client
	retryAttempts int
	retryBase     time.Duration
}

// Config holds classifier client settings
type Config struct {
	Endpoint       string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// New creates a classifier client
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Second
	}

	return &Client{
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retryAttempts: cfg.RetryAttempts,
		retryBase:     cfg.RetryBaseDelay,
	}
}

// analyzeRequest is the wire format of the decision service
type analyzeRequest struct {
	Messages []analyzeMessage `json:"messages"`
}

type analyzeMessage struct {
	Username string `json:"username"`
	Text     string `json:"text"`
}

type analyzeResponse struct {
	Decisions []analyzeDecision `json:"decisions"`
}

type analyzeDecision struct {
	Username string `json:"username"`
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// Analyze sends a batch to the decision service and returns per-identity
// decisions in response order. Entries with a missing identity or an
// unrecognized verdict are dropped, leaving those identities unclassified
// for this round.
func (c *Client) Analyze(ctx context.Context, items []domain.Item) ([]domain.Decision, error) {
	if len(items) == 0 {
		return []domain.Decision{}, nil
	}

	req := analyzeRequest{Messages: make([]analyzeMessage, 0, len(items))}
	for _, item := range items {
		req.Messages = append(req.Messages, analyzeMessage{Username: item.Identity, Text: item.Text})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal analyze request: %w", err)
	}

	var resp analyzeResponse
	retrier := repeater.NewBackoff(c.retryAttempts, c.retryBase,
		repeater.WithBackoffType(repeater.BackoffLinear))

	err = retrier.Do(ctx, func() error {
		return c.post(ctx, c.endpoint+"/analyze", body, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("analyze batch of %d: %w", len(items), err)
	}

	decisions := make([]domain.Decision, 0, len(resp.Decisions))
	for _, d := range resp.Decisions {
		if d.Username == "" {
			lgr.Printf("[WARN] classifier returned decision without identity, dropped")
			continue
		}
		verdict := domain.Verdict(d.Decision)
		if verdict != domain.VerdictBlock && verdict != domain.VerdictAllow {
			lgr.Printf("[WARN] classifier returned unknown verdict %q for %s, dropped", d.Decision, d.Username)
			continue
		}
		decisions = append(decisions, domain.Decision{Identity: d.Username, Verdict: verdict, Reason: d.Reason})
	}

	return decisions, nil
}

// Fallback produces fail-open decisions for every identity in the batch.
// Used when Analyze exhausts its retries: content stays visible rather
// than being blocked on a backend outage.
func (c *Client) Fallback(items []domain.Item) []domain.Decision {
	return Fallback(items)
}

// Fallback produces allow decisions tagged analysis_error for every identity
// in the batch, deduplicated, preserving batch order
func Fallback(items []domain.Item) []domain.Decision {
	seen := make(map[domain.Identity]struct{}, len(items))
	decisions := make([]domain.Decision, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.Identity]; ok {
			continue
		}
		seen[item.Identity] = struct{}{}
		decisions = append(decisions, domain.Decision{
			Identity: item.Identity,
			Verdict:  domain.VerdictAllow,
			Reason:   domain.ReasonAnalysisError,
		})
	}
	return decisions
}

// Health checks the decision service availability
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", http.NoBody)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check status %d", resp.StatusCode)
	}
	return nil
}

// post sends a JSON request and decodes the JSON response. Any transport
// error or non-2xx status is returned as-is so the retrier can repeat it.
func (c *Client) post(ctx context.Context, url string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
