package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"

	"github.com/umputun/chatwarden/pkg/domain"
)

// BlockSetStore handles the durable identity block set
type BlockSetStore struct {
	db *sqlx.DB
}

// NewBlockSetStore creates a new block set store
func NewBlockSetStore(db *sqlx.DB) *BlockSetStore {
	return &BlockSetStore{db: db}
}

// List returns all blocked identities
func (s *BlockSetStore) List(ctx context.Context) ([]domain.Identity, error) {
	var identities []string
	err := s.db.SelectContext(ctx, &identities, "SELECT identity FROM block_set ORDER BY identity")
	if err != nil {
		return nil, fmt.Errorf("list block set: %w", err)
	}
	return identities, nil
}

// Add inserts an identity into the block set, no-op if already present.
// Retries on SQLite lock errors.
func (s *BlockSetStore) Add(ctx context.Context, identity domain.Identity, reason string) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		query := `
			INSERT INTO block_set (identity, reason) VALUES (?, ?)
			ON CONFLICT(identity) DO NOTHING
		`
		_, err := s.db.ExecContext(ctx, query, identity, reason)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("add to block set: %w", err)}
		}
		return nil
	})
}

// Remove deletes an identity from the block set
func (s *BlockSetStore) Remove(ctx context.Context, identity domain.Identity) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "DELETE FROM block_set WHERE identity = ?", identity)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("remove from block set: %w", err)}
		}
		return nil
	})
}

// Contains checks whether an identity is blocked
func (s *BlockSetStore) Contains(ctx context.Context, identity domain.Identity) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM block_set WHERE identity = ?)", identity)
	if err != nil {
		return false, fmt.Errorf("check block set: %w", err)
	}
	return exists, nil
}
