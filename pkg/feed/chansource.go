package feed

import (
	"sync"

	"github.com/umputun/chatwarden/pkg/domain"
)

// ChanSource is a programmatic source for embedding the pipeline in a host
// application: the host pushes observed items with Publish and the source
// tracks a bounded visible window for the sweep. Publish and Close are safe
// to call concurrently.
type ChanSource struct {
	items  chan domain.Item
	window int

	mu      sync.Mutex
	visible []domain.Item
	closed  bool

	inflight sync.WaitGroup
}

// NewChanSource creates a channel-fed source with the given buffer and
// visible window sizes
func NewChanSource(buffer, window int) *ChanSource {
	if buffer < 1 {
		buffer = 64
	}
	if window < 1 {
		window = 200
	}
	return &ChanSource{items: make(chan domain.Item, buffer), window: window}
}

// Publish delivers an item to the pipeline, returns false after Close.
// The in-flight registration under the lock keeps the send ordered before
// the channel close.
func (s *ChanSource) Publish(item domain.Item) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.inflight.Add(1)
	s.visible = append(s.visible, item)
	if len(s.visible) > s.window {
		s.visible = s.visible[len(s.visible)-s.window:]
	}
	s.mu.Unlock()

	s.items <- item
	s.inflight.Done()
	return true
}

// Items returns the channel of published items
func (s *ChanSource) Items() <-chan domain.Item { return s.items }

// Visible returns the current window of published items
func (s *ChanSource) Visible() []domain.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]domain.Item, len(s.visible))
	copy(res, s.visible)
	return res
}

// Close rejects further Publish calls, waits for in-flight sends to drain
// and closes the items channel. The consumer must keep reading until Close
// returns, otherwise a blocked publisher holds it open.
func (s *ChanSource) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.inflight.Wait()
	close(s.items)
}
