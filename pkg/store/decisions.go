package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"

	"github.com/umputun/chatwarden/pkg/domain"
)

// DecisionStore handles the moderation decision audit log
type DecisionStore struct {
	db *sqlx.DB
}

// NewDecisionStore creates a new decision log store
func NewDecisionStore(db *sqlx.DB) *DecisionStore {
	return &DecisionStore{db: db}
}

// Log appends a decision record
func (s *DecisionStore) Log(ctx context.Context, entry domain.DecisionLogEntry) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		query := `INSERT INTO decision_log (identity, verdict, reason) VALUES (?, ?, ?)`
		_, err := s.db.ExecContext(ctx, query, entry.Identity, string(entry.Verdict), entry.Reason)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("log decision: %w", err)}
		}
		return nil
	})
}

// Recent returns the latest decision records, newest first
func (s *DecisionStore) Recent(ctx context.Context, limit int) ([]domain.DecisionLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	var entries []domain.DecisionLogEntry
	query := `
		SELECT identity, verdict, reason, created_at
		FROM decision_log
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	err := s.db.SelectContext(ctx, &entries, query, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent decisions: %w", err)
	}
	return entries, nil
}
