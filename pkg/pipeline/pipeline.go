package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/umputun/chatwarden/pkg/domain"
)

// Classifier is the remote decision service client. Fallback supplies the
// fail-open decisions applied when Analyze exhausts its retries.
type Classifier interface {
	Analyze(ctx context.Context, items []domain.Item) ([]domain.Decision, error)
	Fallback(items []domain.Item) []domain.Decision
}

// Enforcer accepts block actions for serialized execution
type Enforcer interface {
	Enqueue(entry domain.BlockEntry)
}

// Source delivers newly observed content items and exposes the currently
// visible ones for the periodic sweep
type Source interface {
	Items() <-chan domain.Item
	Visible() []domain.Item
}

// DecisionLogger records block decisions for auditing
type DecisionLogger interface {
	Log(ctx context.Context, entry domain.DecisionLogEntry) error
}

// StatsRecorder accumulates moderation counters in durable storage
type StatsRecorder interface {
	Add(ctx context.Context, delta domain.Stats) error
}

// Params holds all pipeline dependencies and tunables. State-holding
// collaborators (cache, block set) are injected so multiple independent
// pipeline instances can coexist.
type Params struct {
	Classifier  Classifier
	Enforcer    Enforcer
	Source      Source
	Cache       *Cache
	BlockSet    *BlockSet
	DecisionLog DecisionLogger // optional
	Stats       StatsRecorder  // optional

	BatchSize          int
	FlushInterval      time.Duration
	SweepInterval      time.Duration
	StatsFlushInterval time.Duration
}

// Pipeline is the moderation engine for one observing context. Every
// observed item passes the block set and decision cache before it can reach
// the batcher; batches go to the classifier and block verdicts end up in the
// enforcement queue.
type Pipeline struct {
	classifier  Classifier
	enforcer    Enforcer
	source      Source
	cache       *Cache
	blockSet    *BlockSet
	decisionLog DecisionLogger
	stats       StatsRecorder

	batcher       *Batcher
	sweepInterval time.Duration
	statsInterval time.Duration

	seenMu sync.Mutex
	seen   map[string]struct{}

	deltaMu sync.Mutex
	delta   domain.Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pipeline instance
func New(params Params) *Pipeline {
	if params.BatchSize == 0 {
		params.BatchSize = 5
	}
	if params.FlushInterval == 0 {
		params.FlushInterval = 2 * time.Second
	}
	if params.SweepInterval == 0 {
		params.SweepInterval = 5 * time.Second
	}
	if params.StatsFlushInterval == 0 {
		params.StatsFlushInterval = 30 * time.Second
	}

	p := &Pipeline{
		classifier:    params.Classifier,
		enforcer:      params.Enforcer,
		source:        params.Source,
		cache:         params.Cache,
		blockSet:      params.BlockSet,
		decisionLog:   params.DecisionLog,
		stats:         params.Stats,
		sweepInterval: params.SweepInterval,
		statsInterval: params.StatsFlushInterval,
		seen:          make(map[string]struct{}),
		ctx:           context.Background(),
	}
	p.batcher = NewBatcher(params.BatchSize, params.FlushInterval, p.classifyBatch)
	return p
}

// Start begins consuming the source and running the periodic sweep
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.observeWorker(p.ctx)

	if p.source != nil {
		p.wg.Add(1)
		go p.sweepWorker(p.ctx)
	}

	if p.stats != nil {
		p.wg.Add(1)
		go p.statsWorker(p.ctx)
	}

	lgr.Printf("[INFO] pipeline started, sweep interval %v", p.sweepInterval)
}

// Stop flushes pending work and waits for workers to finish. Items still
// sitting in the batcher get a final classification round; with the run
// context already canceled that round fails open rather than dropping them
// silently.
func (p *Pipeline) Stop() {
	lgr.Printf("[INFO] stopping pipeline...")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.batcher.Flush()
	p.batcher.Stop()
	p.blockSet.Wait()
	p.flushStats()
	lgr.Printf("[INFO] pipeline stopped")
}

// Observe runs one item through the moderation policy:
// persistent block set first, then the decision cache, then the batcher.
// Re-observing the same content instance is a no-op.
func (p *Pipeline) Observe(item domain.Item) {
	if item.ID != "" && !p.markSeen(item.ID) {
		return
	}

	p.countDelta(domain.Stats{MessagesAnalyzed: 1})

	// persistence dominates cache: a blocked identity is suppressed on sight
	if p.blockSet.Contains(item.Identity) {
		if item.Ref != nil {
			item.Ref.Hide()
		}
		return
	}

	if d, ok := p.cache.Get(item.Identity); ok {
		p.countDelta(domain.Stats{CacheHits: 1})
		if d.Blocked() {
			p.enforce(d, item.Ref)
		}
		return
	}

	p.batcher.Add(item)
}

// Flush forces classification of the pending batch
func (p *Pipeline) Flush() {
	p.batcher.Flush()
}

// Unblock removes an identity from the block set and drops its cached
// decision so the next observation goes back through classification
func (p *Pipeline) Unblock(identity domain.Identity) {
	p.blockSet.Remove(identity)
	p.cache.Delete(identity)
	lgr.Printf("[INFO] unblocked %s", identity)
}

// Block adds an identity to the block set manually, bypassing
// classification. Future content from it is suppressed on sight.
func (p *Pipeline) Block(identity domain.Identity, reason string) {
	d := domain.Decision{Identity: identity, Verdict: domain.VerdictBlock, Reason: reason}
	p.cache.Set(d)
	if p.blockSet.Add(identity, reason) {
		p.countDelta(domain.Stats{IdentitiesBlocked: 1})
		p.logDecision(d)
		lgr.Printf("[INFO] manually blocked %s (%s)", identity, reason)
	}
}

// Blocked returns the identities currently in the block set
func (p *Pipeline) Blocked() []domain.Identity {
	return p.blockSet.List()
}

// observeWorker consumes the source item stream
func (p *Pipeline) observeWorker(ctx context.Context) {
	defer p.wg.Done()

	if p.source == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.source.Items():
			if !ok {
				return
			}
			p.Observe(item)
		}
	}
}

// sweepWorker periodically re-scans visible items to catch identities that
// became blocked after their content already rendered
func (p *Pipeline) sweepWorker(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep hides visible items from blocked identities. Hide is idempotent,
// so racing with the live observation path is safe.
func (p *Pipeline) sweep() {
	hidden := 0
	for _, item := range p.source.Visible() {
		if item.Ref == nil || item.Ref.Hidden() {
			continue
		}
		if p.blockSet.Contains(item.Identity) {
			item.Ref.Hide()
			hidden++
		}
	}
	if hidden > 0 {
		lgr.Printf("[DEBUG] sweep hid %d items", hidden)
	}
}

// statsWorker periodically flushes accumulated counters to storage
func (p *Pipeline) statsWorker(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flushStats()
		}
	}
}

// classifyBatch sends a captured batch to the classifier and applies the
// decisions in response order. On retry exhaustion every identity in the
// batch fails open to allow with the analysis_error reason.
func (p *Pipeline) classifyBatch(batch []domain.Item) {
	if len(batch) == 0 {
		return
	}

	lgr.Printf("[DEBUG] classifying batch of %d items", len(batch))

	decisions, err := p.classifier.Analyze(p.ctx, batch)
	if err != nil {
		lgr.Printf("[WARN] classification failed, failing open: %v", err)
		decisions = p.classifier.Fallback(batch)
	}

	itemsByIdentity := make(map[domain.Identity][]domain.Item, len(batch))
	for _, item := range batch {
		itemsByIdentity[item.Identity] = append(itemsByIdentity[item.Identity], item)
	}

	for _, d := range decisions {
		// a decision for an identity that was never in the batch must not
		// pollute the cache or the block set
		batchItems, ok := itemsByIdentity[d.Identity]
		if !ok {
			lgr.Printf("[WARN] classifier returned decision for %s not in batch, dropped", d.Identity)
			continue
		}

		p.cache.Set(d)

		if !d.Blocked() {
			continue
		}

		// optimistic: record the block before enforcement resolves, so
		// future content from this identity is suppressed instantly even
		// if native enforcement fails
		if p.blockSet.Add(d.Identity, d.Reason) {
			p.countDelta(domain.Stats{IdentitiesBlocked: 1})
			p.logDecision(d)
		}

		for _, item := range batchItems {
			p.enforce(d, item.Ref)
		}
	}
}

// enforce queues a native block action for an already-decided identity
func (p *Pipeline) enforce(d domain.Decision, ref domain.ContentRef) {
	p.enforcer.Enqueue(domain.BlockEntry{
		Identity:   d.Identity,
		Reason:     d.Reason,
		Ref:        ref,
		State:      domain.BlockQueued,
		EnqueuedAt: time.Now(),
	})
}

func (p *Pipeline) logDecision(d domain.Decision) {
	if p.decisionLog == nil {
		return
	}
	entry := domain.DecisionLogEntry{Identity: d.Identity, Verdict: d.Verdict, Reason: d.Reason}
	if err := p.decisionLog.Log(p.ctx, entry); err != nil {
		lgr.Printf("[WARN] failed to log decision for %s: %v", d.Identity, err)
	}
}

// markSeen records a content instance, returns false if already observed
func (p *Pipeline) markSeen(id string) bool {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	if _, ok := p.seen[id]; ok {
		return false
	}
	p.seen[id] = struct{}{}
	return true
}

func (p *Pipeline) countDelta(d domain.Stats) {
	p.deltaMu.Lock()
	p.delta.MessagesAnalyzed += d.MessagesAnalyzed
	p.delta.IdentitiesBlocked += d.IdentitiesBlocked
	p.delta.CacheHits += d.CacheHits
	p.deltaMu.Unlock()
}

func (p *Pipeline) flushStats() {
	if p.stats == nil {
		return
	}

	p.deltaMu.Lock()
	delta := p.delta
	p.delta = domain.Stats{}
	p.deltaMu.Unlock()

	if delta == (domain.Stats{}) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.stats.Add(ctx, delta); err != nil {
		lgr.Printf("[WARN] failed to flush stats: %v", err)
	}
}
