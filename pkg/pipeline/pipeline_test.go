package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/chatwarden/pkg/domain"
)

type testRef struct {
	mu     sync.Mutex
	hidden bool
	hides  int
}

func (r *testRef) Hide() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hidden = true
	r.hides++
}

func (r *testRef) Hidden() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hidden
}

func (r *testRef) hideCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hides
}

type testClassifier struct {
	mu      sync.Mutex
	batches [][]domain.Item
	respond func(items []domain.Item) ([]domain.Decision, error)
}

func (c *testClassifier) Analyze(_ context.Context, items []domain.Item) ([]domain.Decision, error) {
	c.mu.Lock()
	c.batches = append(c.batches, items)
	c.mu.Unlock()
	if c.respond == nil {
		return []domain.Decision{}, nil
	}
	return c.respond(items)
}

func (c *testClassifier) Fallback(items []domain.Item) []domain.Decision {
	seen := map[domain.Identity]struct{}{}
	var res []domain.Decision
	for _, item := range items {
		if _, ok := seen[item.Identity]; ok {
			continue
		}
		seen[item.Identity] = struct{}{}
		res = append(res, domain.Decision{
			Identity: item.Identity,
			Verdict:  domain.VerdictAllow,
			Reason:   domain.ReasonAnalysisError,
		})
	}
	return res
}

func (c *testClassifier) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

type testEnforcer struct {
	mu      sync.Mutex
	entries []domain.BlockEntry
}

func (e *testEnforcer) Enqueue(entry domain.BlockEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
}

func (e *testEnforcer) queued() []domain.BlockEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := make([]domain.BlockEntry, len(e.entries))
	copy(res, e.entries)
	return res
}

type testSource struct {
	ch      chan domain.Item
	mu      sync.Mutex
	visible []domain.Item
}

func newTestSource() *testSource {
	return &testSource{ch: make(chan domain.Item, 16)}
}

func (s *testSource) Items() <-chan domain.Item { return s.ch }

func (s *testSource) Visible() []domain.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]domain.Item, len(s.visible))
	copy(res, s.visible)
	return res
}

func (s *testSource) addVisible(item domain.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = append(s.visible, item)
}

func newTestPipeline(classifier *testClassifier, enforcer *testEnforcer, source Source) *Pipeline {
	return New(Params{
		Classifier:    classifier,
		Enforcer:      enforcer,
		Source:        source,
		Cache:         NewCache(),
		BlockSet:      LoadBlockSet(context.Background(), nil),
		BatchSize:     5,
		FlushInterval: time.Hour, // flush manually in tests
		SweepInterval: time.Hour,
	})
}

func TestPipeline_BatchClassification(t *testing.T) {
	classifier := &testClassifier{
		respond: func(items []domain.Item) ([]domain.Decision, error) {
			return []domain.Decision{
				{Identity: "alice", Verdict: domain.VerdictAllow, Reason: ""},
				{Identity: "bob", Verdict: domain.VerdictBlock, Reason: "spam"},
			}, nil
		},
	}
	enforcer := &testEnforcer{}
	p := newTestPipeline(classifier, enforcer, nil)

	aliceRef, bobRef := &testRef{}, &testRef{}
	p.Observe(domain.Item{ID: "m1", Identity: "alice", Text: "hi", Ref: aliceRef})
	p.Observe(domain.Item{ID: "m2", Identity: "bob", Text: "buy crypto now!!!", Ref: bobRef})
	p.Flush()

	// alice stays visible and cached as allow
	assert.False(t, aliceRef.Hidden())
	d, ok := p.cache.Get("alice")
	require.True(t, ok)
	assert.Equal(t, domain.VerdictAllow, d.Verdict)

	// bob is queued for blocking with the classifier reason, and the block
	// set is updated before the enforcement attempt resolves
	queued := enforcer.queued()
	require.Len(t, queued, 1)
	assert.Equal(t, "bob", queued[0].Identity)
	assert.Equal(t, "spam", queued[0].Reason)
	assert.True(t, p.blockSet.Contains("bob"))
}

func TestPipeline_CachePrecedence(t *testing.T) {
	classifier := &testClassifier{
		respond: func(items []domain.Item) ([]domain.Decision, error) {
			return []domain.Decision{{Identity: "bob", Verdict: domain.VerdictBlock, Reason: "spam"}}, nil
		},
	}
	enforcer := &testEnforcer{}
	p := newTestPipeline(classifier, enforcer, nil)

	p.Observe(domain.Item{ID: "m1", Identity: "bob", Text: "first", Ref: &testRef{}})
	p.Flush()
	require.Equal(t, 1, classifier.batchCount())

	// later content from a cached identity must not reach the classifier;
	// persistence precedence hides it before the cache is even consulted
	ref2 := &testRef{}
	p.Observe(domain.Item{ID: "m2", Identity: "bob", Text: "second", Ref: ref2})
	p.Flush()
	assert.Equal(t, 1, classifier.batchCount())
	assert.True(t, ref2.Hidden())

	// allow-cached identity resolves without classifier and without enqueue
	p.cache.Set(domain.Decision{Identity: "carol", Verdict: domain.VerdictAllow})
	p.Observe(domain.Item{ID: "m3", Identity: "carol", Text: "hello", Ref: &testRef{}})
	p.Flush()
	assert.Equal(t, 1, classifier.batchCount())
	assert.Len(t, enforcer.queued(), 1) // only bob's original entry
}

func TestPipeline_CachedBlockEnqueues(t *testing.T) {
	classifier := &testClassifier{}
	enforcer := &testEnforcer{}
	p := newTestPipeline(classifier, enforcer, nil)

	// cached block without block set membership (e.g. after unblock of the
	// persistent entry but not the cache): enqueue with the cached reason
	p.cache.Set(domain.Decision{Identity: "dave", Verdict: domain.VerdictBlock, Reason: "spam"})
	ref := &testRef{}
	p.Observe(domain.Item{ID: "m1", Identity: "dave", Text: "hey", Ref: ref})

	queued := enforcer.queued()
	require.Len(t, queued, 1)
	assert.Equal(t, "dave", queued[0].Identity)
	assert.Equal(t, "spam", queued[0].Reason)
	assert.Equal(t, 0, classifier.batchCount())
}

func TestPipeline_PersistencePrecedence(t *testing.T) {
	classifier := &testClassifier{}
	enforcer := &testEnforcer{}
	p := newTestPipeline(classifier, enforcer, nil)

	p.blockSet.Add("eve", "trolling")

	ref := &testRef{}
	p.Observe(domain.Item{ID: "m1", Identity: "eve", Text: "hello", Ref: ref})
	p.Flush()

	// suppressed on sight: no classifier call, no enforcement entry
	assert.True(t, ref.Hidden())
	assert.Equal(t, 0, classifier.batchCount())
	assert.Empty(t, enforcer.queued())
}

func TestPipeline_Idempotence(t *testing.T) {
	classifier := &testClassifier{
		respond: func(items []domain.Item) ([]domain.Decision, error) {
			return []domain.Decision{}, nil
		},
	}
	enforcer := &testEnforcer{}
	p := newTestPipeline(classifier, enforcer, nil)

	item := domain.Item{ID: "m1", Identity: "alice", Text: "hi", Ref: &testRef{}}
	p.Observe(item)
	p.Observe(item) // same content instance again
	p.Flush()

	require.Equal(t, 1, classifier.batchCount())
	assert.Len(t, classifier.batches[0], 1, "duplicate observation must not batch twice")
}

func TestPipeline_FailOpen(t *testing.T) {
	classifier := &testClassifier{
		respond: func(items []domain.Item) ([]domain.Decision, error) {
			return nil, fmt.Errorf("service unavailable")
		},
	}
	enforcer := &testEnforcer{}
	p := newTestPipeline(classifier, enforcer, nil)

	refs := []*testRef{{}, {}, {}}
	p.Observe(domain.Item{ID: "m1", Identity: "alice", Text: "a", Ref: refs[0]})
	p.Observe(domain.Item{ID: "m2", Identity: "bob", Text: "b", Ref: refs[1]})
	p.Observe(domain.Item{ID: "m3", Identity: "carol", Text: "c", Ref: refs[2]})
	p.Flush()

	// every identity fails open to allow with analysis_error, nothing queued
	assert.Empty(t, enforcer.queued())
	assert.Equal(t, 0, p.blockSet.Len())
	for _, identity := range []domain.Identity{"alice", "bob", "carol"} {
		d, ok := p.cache.Get(identity)
		require.True(t, ok, identity)
		assert.Equal(t, domain.VerdictAllow, d.Verdict)
		assert.Equal(t, domain.ReasonAnalysisError, d.Reason)
	}
	for _, ref := range refs {
		assert.False(t, ref.Hidden())
	}
}

func TestPipeline_UnmatchedDecisionsStayEligible(t *testing.T) {
	classifier := &testClassifier{
		respond: func(items []domain.Item) ([]domain.Decision, error) {
			// response covers only alice, bob stays unclassified
			return []domain.Decision{{Identity: "alice", Verdict: domain.VerdictAllow}}, nil
		},
	}
	enforcer := &testEnforcer{}
	p := newTestPipeline(classifier, enforcer, nil)

	p.Observe(domain.Item{ID: "m1", Identity: "alice", Text: "a", Ref: &testRef{}})
	p.Observe(domain.Item{ID: "m2", Identity: "bob", Text: "b", Ref: &testRef{}})
	p.Flush()

	_, ok := p.cache.Get("bob")
	assert.False(t, ok, "unmatched identity must not be cached")

	// a new message from bob goes back through classification
	p.Observe(domain.Item{ID: "m3", Identity: "bob", Text: "again", Ref: &testRef{}})
	p.Flush()
	assert.Equal(t, 2, classifier.batchCount())
}

func TestPipeline_MultipleItemsPerIdentity(t *testing.T) {
	classifier := &testClassifier{
		respond: func(items []domain.Item) ([]domain.Decision, error) {
			return []domain.Decision{{Identity: "bob", Verdict: domain.VerdictBlock, Reason: "spam"}}, nil
		},
	}
	enforcer := &testEnforcer{}
	p := newTestPipeline(classifier, enforcer, nil)

	ref1, ref2 := &testRef{}, &testRef{}
	p.Observe(domain.Item{ID: "m1", Identity: "bob", Text: "one", Ref: ref1})
	p.Observe(domain.Item{ID: "m2", Identity: "bob", Text: "two", Ref: ref2})
	p.Flush()

	// both content instances get an enforcement entry, one block set record
	assert.Len(t, enforcer.queued(), 2)
	assert.Equal(t, 1, p.blockSet.Len())
}

func TestPipeline_SweepHidesBlockedItems(t *testing.T) {
	classifier := &testClassifier{}
	enforcer := &testEnforcer{}
	source := newTestSource()
	p := newTestPipeline(classifier, enforcer, source)

	ref := &testRef{}
	source.addVisible(domain.Item{ID: "m1", Identity: "bob", Text: "old message", Ref: ref})

	// identity becomes blocked after the item already rendered
	p.blockSet.Add("bob", "spam")
	p.sweep()
	assert.True(t, ref.Hidden())

	// hide is idempotent: repeat sweeps do not hide again
	p.sweep()
	assert.Equal(t, 1, ref.hideCount())
}

func TestPipeline_StartStop(t *testing.T) {
	classifier := &testClassifier{
		respond: func(items []domain.Item) ([]domain.Decision, error) {
			return []domain.Decision{{Identity: "bob", Verdict: domain.VerdictBlock, Reason: "spam"}}, nil
		},
	}
	enforcer := &testEnforcer{}
	source := newTestSource()

	p := New(Params{
		Classifier:    classifier,
		Enforcer:      enforcer,
		Source:        source,
		Cache:         NewCache(),
		BlockSet:      LoadBlockSet(context.Background(), nil),
		BatchSize:     1, // flush on every observation
		FlushInterval: time.Hour,
		SweepInterval: 10 * time.Millisecond,
	})

	p.Start(context.Background())

	source.ch <- domain.Item{ID: "m1", Identity: "bob", Text: "spam text", Ref: &testRef{}}

	require.Eventually(t, func() bool { return len(enforcer.queued()) == 1 },
		time.Second, 5*time.Millisecond)

	// sweep picks up a visible item from the now-blocked identity
	lateRef := &testRef{}
	source.addVisible(domain.Item{ID: "m2", Identity: "bob", Text: "older", Ref: lateRef})
	require.Eventually(t, func() bool { return lateRef.Hidden() },
		time.Second, 5*time.Millisecond)

	p.Stop()
}

func TestPipeline_StopFlushesPendingBatch(t *testing.T) {
	classifier := &testClassifier{
		respond: func(items []domain.Item) ([]domain.Decision, error) {
			return []domain.Decision{{Identity: "bob", Verdict: domain.VerdictBlock, Reason: "spam"}}, nil
		},
	}
	enforcer := &testEnforcer{}
	p := newTestPipeline(classifier, enforcer, nil)

	ref := &testRef{}
	p.Observe(domain.Item{ID: "m1", Identity: "bob", Text: "spam text", Ref: ref})
	require.Equal(t, 0, classifier.batchCount(), "below size threshold, still pending")

	// shutdown classifies the pending batch instead of dropping it
	p.Stop()
	assert.Equal(t, 1, classifier.batchCount())
	assert.Len(t, enforcer.queued(), 1)
	assert.True(t, p.blockSet.Contains("bob"))
}

func TestPipeline_ForeignDecisionsDropped(t *testing.T) {
	classifier := &testClassifier{
		respond: func(items []domain.Item) ([]domain.Decision, error) {
			// response covers alice plus an identity never submitted
			return []domain.Decision{
				{Identity: "alice", Verdict: domain.VerdictAllow},
				{Identity: "mallory", Verdict: domain.VerdictBlock, Reason: "spam"},
			}, nil
		},
	}
	enforcer := &testEnforcer{}
	p := newTestPipeline(classifier, enforcer, nil)

	p.Observe(domain.Item{ID: "m1", Identity: "alice", Text: "hi", Ref: &testRef{}})
	p.Flush()

	_, ok := p.cache.Get("alice")
	assert.True(t, ok)

	// the unsolicited verdict must not block or cache anyone
	assert.False(t, p.blockSet.Contains("mallory"))
	_, ok = p.cache.Get("mallory")
	assert.False(t, ok)
	assert.Empty(t, enforcer.queued())
}

func TestPipeline_ManualBlock(t *testing.T) {
	classifier := &testClassifier{}
	enforcer := &testEnforcer{}
	p := newTestPipeline(classifier, enforcer, nil)

	p.Block("mallory", "manual")
	assert.True(t, p.blockSet.Contains("mallory"))
	assert.Equal(t, []domain.Identity{"mallory"}, p.Blocked())

	// observations from the blocked identity are suppressed without
	// touching the classifier
	ref := &testRef{}
	p.Observe(domain.Item{ID: "m1", Identity: "mallory", Text: "hi", Ref: ref})
	p.Flush()
	assert.True(t, ref.Hidden())
	assert.Equal(t, 0, classifier.batchCount())
}

func TestPipeline_Unblock(t *testing.T) {
	classifier := &testClassifier{}
	enforcer := &testEnforcer{}
	p := newTestPipeline(classifier, enforcer, nil)

	p.blockSet.Add("bob", "spam")
	p.cache.Set(domain.Decision{Identity: "bob", Verdict: domain.VerdictBlock, Reason: "spam"})

	p.Unblock("bob")
	p.blockSet.Wait()

	assert.False(t, p.blockSet.Contains("bob"))
	_, ok := p.cache.Get("bob")
	assert.False(t, ok)
}
