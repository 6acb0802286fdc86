package feed

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/chatwarden/pkg/domain"
)

func TestChanSource_PublishAndVisible(t *testing.T) {
	s := NewChanSource(8, 2)

	require.True(t, s.Publish(domain.Item{ID: "a", Identity: "u1"}))
	require.True(t, s.Publish(domain.Item{ID: "b", Identity: "u2"}))
	require.True(t, s.Publish(domain.Item{ID: "c", Identity: "u3"}))

	visible := s.Visible()
	require.Len(t, visible, 2, "window evicts oldest")
	assert.Equal(t, "b", visible[0].ID)
	assert.Equal(t, "c", visible[1].ID)

	got := <-s.Items()
	assert.Equal(t, "a", got.ID)
}

func TestChanSource_ConcurrentPublishClose(t *testing.T) {
	// publishers racing a close must either deliver or get false back,
	// never panic on a closed channel
	for i := 0; i < 50; i++ {
		s := NewChanSource(4, 10)

		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for range s.Items() {
			}
		}()

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					if !s.Publish(domain.Item{ID: fmt.Sprintf("%d-%d", n, j), Identity: "u"}) {
						return
					}
				}
			}(g)
		}

		s.Close()
		wg.Wait()
		<-drained

		assert.False(t, s.Publish(domain.Item{ID: "late", Identity: "u"}))
	}
}

func TestChanSource_Close(t *testing.T) {
	s := NewChanSource(8, 10)
	require.True(t, s.Publish(domain.Item{ID: "a", Identity: "u1"}))

	s.Close()
	s.Close() // second close is safe

	assert.False(t, s.Publish(domain.Item{ID: "b", Identity: "u2"}))

	// buffered item still readable, then channel reports closed
	got, ok := <-s.Items()
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)

	_, ok = <-s.Items()
	assert.False(t, ok)
}
