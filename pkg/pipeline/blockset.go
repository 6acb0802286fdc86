package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/umputun/chatwarden/pkg/domain"
)

// Persister is the durable storage behind the block set
type Persister interface {
	List(ctx context.Context) ([]domain.Identity, error)
	Add(ctx context.Context, identity domain.Identity, reason string) error
	Remove(ctx context.Context, identity domain.Identity) error
}

// BlockSet is the in-memory view of the persistent identity block set.
// Membership is checked on every observation, so reads never touch storage.
// Mutations update memory first and persist in the background; a storage
// failure is logged but the in-memory state stays authoritative for the
// session.
type BlockSet struct {
	mu        sync.RWMutex
	members   map[domain.Identity]struct{}
	persister Persister

	persistTimeout time.Duration
	persistWG      sync.WaitGroup
}

// LoadBlockSet reads the durable block set into memory. A load failure is
// tolerated: the set starts empty and the error is logged.
func LoadBlockSet(ctx context.Context, persister Persister) *BlockSet {
	bs := &BlockSet{
		members:        make(map[domain.Identity]struct{}),
		persister:      persister,
		persistTimeout: 5 * time.Second,
	}

	if persister == nil {
		return bs
	}

	identities, err := persister.List(ctx)
	if err != nil {
		lgr.Printf("[WARN] failed to load block set, starting empty: %v", err)
		return bs
	}
	for _, identity := range identities {
		bs.members[identity] = struct{}{}
	}
	if len(identities) > 0 {
		lgr.Printf("[INFO] loaded %d blocked identities", len(identities))
	}
	return bs
}

// Contains reports whether an identity is blocked
func (b *BlockSet) Contains(identity domain.Identity) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.members[identity]
	return ok
}

// Add marks an identity as blocked and persists it in the background.
// Returns true if the identity was not already present.
func (b *BlockSet) Add(identity domain.Identity, reason string) bool {
	b.mu.Lock()
	if _, ok := b.members[identity]; ok {
		b.mu.Unlock()
		return false
	}
	b.members[identity] = struct{}{}
	b.mu.Unlock()

	b.persist(func(ctx context.Context) error { return b.persister.Add(ctx, identity, reason) },
		"add "+identity)
	return true
}

// Remove unblocks an identity, memory first then storage
func (b *BlockSet) Remove(identity domain.Identity) {
	b.mu.Lock()
	delete(b.members, identity)
	b.mu.Unlock()

	b.persist(func(ctx context.Context) error { return b.persister.Remove(ctx, identity) },
		"remove "+identity)
}

// List returns a snapshot of blocked identities
func (b *BlockSet) List() []domain.Identity {
	b.mu.RLock()
	defer b.mu.RUnlock()
	res := make([]domain.Identity, 0, len(b.members))
	for identity := range b.members {
		res = append(res, identity)
	}
	return res
}

// Len returns the number of blocked identities
func (b *BlockSet) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.members)
}

// Wait blocks until all pending persistence operations complete, used in
// shutdown and tests
func (b *BlockSet) Wait() {
	b.persistWG.Wait()
}

func (b *BlockSet) persist(op func(ctx context.Context) error, desc string) {
	if b.persister == nil {
		return
	}
	b.persistWG.Add(1)
	go func() {
		defer b.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.persistTimeout)
		defer cancel()
		if err := op(ctx); err != nil {
			lgr.Printf("[WARN] failed to persist block set %s: %v", desc, err)
		}
	}()
}
