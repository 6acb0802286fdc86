package feed

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"github.com/umputun/chatwarden/pkg/domain"
)

// Source polls RSS/Atom feeds and turns their entries into moderation
// items: the entry author is the identity, the entry text is the content.
// It keeps a bounded window of recently delivered items so the pipeline
// sweep can re-check them after an identity gets blocked.
type Source struct {
	feeds     []string
	interval  time.Duration
	window    int
	userAgent string

	client    *http.Client
	sanitizer *bluemonday.Policy

	items chan domain.Item

	mu      sync.Mutex
	seen    map[string]struct{}
	visible []domain.Item

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Params configures a feed source
type Params struct {
	Feeds         []string
	PollInterval  time.Duration
	VisibleWindow int
	Timeout       time.Duration
	UserAgent     string
}

// NewSource creates a feed source, not yet polling
func NewSource(params Params) *Source {
	if params.PollInterval == 0 {
		params.PollInterval = time.Minute
	}
	if params.VisibleWindow == 0 {
		params.VisibleWindow = 200
	}
	if params.Timeout == 0 {
		params.Timeout = 30 * time.Second
	}
	if params.UserAgent == "" {
		params.UserAgent = "Chatwarden/1.0"
	}

	return &Source{
		feeds:     params.Feeds,
		interval:  params.PollInterval,
		window:    params.VisibleWindow,
		userAgent: params.UserAgent,
		client: &http.Client{
			Timeout: params.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		sanitizer: bluemonday.StrictPolicy(),
		items:     make(chan domain.Item, 256),
		seen:      make(map[string]struct{}),
	}
}

// Items returns the channel of newly observed items
func (s *Source) Items() <-chan domain.Item { return s.items }

// Visible returns the current window of delivered items
func (s *Source) Visible() []domain.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]domain.Item, len(s.visible))
	copy(res, s.visible)
	return res
}

// Start polls all feeds immediately and then on every tick
func (s *Source) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.Poll(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Poll(ctx)
			}
		}
	}()

	lgr.Printf("[INFO] feed source started, %d feeds, poll interval %v", len(s.feeds), s.interval)
}

// Stop terminates polling and closes the items channel
func (s *Source) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	close(s.items)
	lgr.Printf("[INFO] feed source stopped")
}

// Poll fetches every configured feed concurrently and delivers the new
// entries. Per-feed failures are logged and skipped.
func (s *Source) Poll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, url := range s.feeds {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			if err := s.pollFeed(ctx, url); err != nil {
				lgr.Printf("[WARN] failed to poll %s: %v", url, err)
			}
		}(url)
	}
	wg.Wait()
}

func (s *Source) pollFeed(ctx context.Context, url string) error {
	body, err := s.fetch(ctx, url)
	if err != nil {
		return fmt.Errorf("fetch feed: %w", err)
	}
	defer body.Close()

	parsed, err := gofeed.NewParser().Parse(body)
	if err != nil {
		return fmt.Errorf("parse feed: %w", err)
	}

	delivered := 0
	for _, entry := range parsed.Items {
		item, ok := s.makeItem(parsed, entry)
		if !ok {
			continue
		}
		if !s.track(item) {
			continue
		}

		select {
		case s.items <- item:
			delivered++
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if delivered > 0 {
		lgr.Printf("[DEBUG] delivered %d new items from %s", delivered, url)
	}
	return nil
}

// makeItem converts a feed entry to a moderation item. Entries without an
// author cannot be attributed to an identity and are skipped.
func (s *Source) makeItem(parsed *gofeed.Feed, entry *gofeed.Item) (domain.Item, bool) {
	if entry.Author == nil || entry.Author.Name == "" {
		return domain.Item{}, false
	}

	id := entry.GUID
	if id == "" {
		id = entry.Link
	}
	if id == "" {
		id = fmt.Sprintf("%s-%s", parsed.Title, entry.Title)
	}

	text := entry.Content
	if text == "" {
		text = entry.Description
	}
	if entry.Title != "" {
		text = entry.Title + "\n" + text
	}

	observed := time.Now()
	if entry.PublishedParsed != nil {
		observed = *entry.PublishedParsed
	} else if entry.UpdatedParsed != nil {
		observed = *entry.UpdatedParsed
	}

	return domain.Item{
		ID:       id,
		Identity: domain.Identity(entry.Author.Name),
		Text:     s.clean(text),
		Ref:      &Ref{},
		Observed: observed,
	}, true
}

// track registers the item in the seen set and the visible window,
// returns false for already-known entries
func (s *Source) track(item domain.Item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[item.ID]; ok {
		return false
	}
	s.seen[item.ID] = struct{}{}

	s.visible = append(s.visible, item)
	if len(s.visible) > s.window {
		s.visible = s.visible[len(s.visible)-s.window:]
	}
	return true
}

// clean strips markup and normalizes whitespace in entry text
func (s *Source) clean(text string) string {
	text = s.sanitizer.Sanitize(text)
	text = html.UnescapeString(text)
	return strings.Join(strings.Fields(text), " ")
}

func (s *Source) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch URL: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return resp.Body, nil
}
