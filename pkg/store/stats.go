package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"

	"github.com/umputun/chatwarden/pkg/domain"
)

// StatsStore handles moderation counters
type StatsStore struct {
	db *sqlx.DB
}

// NewStatsStore creates a new stats store
func NewStatsStore(db *sqlx.DB) *StatsStore {
	return &StatsStore{db: db}
}

// Get returns the current counters
func (s *StatsStore) Get(ctx context.Context) (domain.Stats, error) {
	var stats domain.Stats
	err := s.db.GetContext(ctx, &stats,
		"SELECT messages_analyzed, identities_blocked, cache_hits FROM stats WHERE id = 1")
	if err != nil {
		return domain.Stats{}, fmt.Errorf("get stats: %w", err)
	}
	return stats, nil
}

// Add increments the counters by the given deltas
func (s *StatsStore) Add(ctx context.Context, delta domain.Stats) error {
	if delta.MessagesAnalyzed == 0 && delta.IdentitiesBlocked == 0 && delta.CacheHits == 0 {
		return nil
	}

	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		query := `
			UPDATE stats
			SET messages_analyzed = messages_analyzed + ?,
			    identities_blocked = identities_blocked + ?,
			    cache_hits = cache_hits + ?
			WHERE id = 1
		`
		_, err := s.db.ExecContext(ctx, query, delta.MessagesAnalyzed, delta.IdentitiesBlocked, delta.CacheHits)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("update stats: %w", err)}
		}
		return nil
	})
}
