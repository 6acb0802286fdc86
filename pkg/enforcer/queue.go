package enforcer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/umputun/chatwarden/pkg/domain"
)

// Blocker is the native enforcement capability: a multi-step UI interaction
// against the host platform, opaque beyond its success/failure outcome.
type Blocker interface {
	Block(ctx context.Context, identity domain.Identity, ref domain.ContentRef) error
}

// Queue serializes enforcement actions. Entries run strictly one at a time
// with a fixed delay between actions, throttling interaction with the host
// platform UI. Depth is unbounded: a burst of block decisions processes
// serially and may lag real-time rather than rejecting entries.
type Queue struct {
	blocker        Blocker
	actionDelay    time.Duration
	attemptTimeout time.Duration
	onResult       func(entry domain.BlockEntry)

	mu      sync.Mutex
	entries []domain.BlockEntry
	signal  chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Config holds queue settings
type Config struct {
	ActionDelay    time.Duration // hard floor between consecutive actions
	AttemptTimeout time.Duration // bound on a single enforcement attempt
	OnResult       func(entry domain.BlockEntry)
}

// NewQueue creates an enforcement queue
func NewQueue(blocker Blocker, cfg Config) *Queue {
	if cfg.ActionDelay == 0 {
		cfg.ActionDelay = 2 * time.Second
	}
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	return &Queue{
		blocker:        blocker,
		actionDelay:    cfg.ActionDelay,
		attemptTimeout: cfg.AttemptTimeout,
		onResult:       cfg.OnResult,
		signal:         make(chan struct{}, 1),
	}
}

// Enqueue adds a block action in FIFO order
func (q *Queue) Enqueue(entry domain.BlockEntry) {
	entry.State = domain.BlockQueued
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()

	// wake the worker, no-op if already signaled
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len returns the current queue depth
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Start launches the single worker goroutine
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)

	q.wg.Add(1)
	go q.worker(ctx)

	lgr.Printf("[INFO] enforcement queue started, action delay %v", q.actionDelay)
}

// Stop terminates the worker, leaving unprocessed entries in the queue
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	lgr.Printf("[INFO] enforcement queue stopped, %d entries left", q.Len())
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		entry, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.signal:
				continue
			}
		}

		q.process(ctx, entry)

		// inter-action delay is a hard floor before the next entry starts
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.actionDelay):
		}
	}
}

// process runs one enforcement attempt. On failure the content item is
// hidden locally instead; the identity stays blocked either way, since the
// block set was updated optimistically on enqueue.
func (q *Queue) process(ctx context.Context, entry domain.BlockEntry) {
	entry.State = domain.BlockInProgress
	lgr.Printf("[DEBUG] enforcing block of %s (%s)", entry.Identity, entry.Reason)

	actx, cancel := context.WithTimeout(ctx, q.attemptTimeout)
	err := q.block(actx, entry)
	cancel()

	if err != nil {
		lgr.Printf("[WARN] native block of %s failed, hiding locally: %v", entry.Identity, err)
		if entry.Ref != nil {
			entry.Ref.Hide()
		}
		entry.State = domain.BlockFailedFallback
	} else {
		lgr.Printf("[INFO] blocked %s: %s", entry.Identity, entry.Reason)
		entry.State = domain.BlockSucceeded
	}

	if q.onResult != nil {
		q.onResult(entry)
	}
}

// block invokes the capability, converting a panic in the UI automation
// into an ordinary failure
func (q *Queue) block(ctx context.Context, entry domain.BlockEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("block capability panic: %v", r)
		}
	}()

	if q.blocker == nil {
		return fmt.Errorf("no block capability available")
	}
	return q.blocker.Block(ctx, entry.Identity, entry.Ref)
}

// next pops the head entry in FIFO order
func (q *Queue) next() (domain.BlockEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return domain.BlockEntry{}, false
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	return entry, true
}
