package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/faxbot/faxbot/pkg/fax"
)

// ErrDuplicate signals a unique-constraint conflict. It aliases the domain
// sentinel so services can match it without importing this package.
var ErrDuplicate = fax.ErrDuplicateEvent

// DedupStore guards webhook idempotency. The primary key on
// (provider_sid, event_type) is the mechanism: exactly one insert wins.
type DedupStore struct {
	db *DB
}

// NewDedupStore creates a DedupStore over the given database.
func NewDedupStore(db *DB) *DedupStore {
	return &DedupStore{db: db}
}

// Insert records a callback event. Returns ErrDuplicate when the pair has
// already been seen; callers treat that as "acknowledge, do nothing".
func (s *DedupStore) Insert(ctx context.Context, providerSID, eventType string, seenAt time.Time) error {
	query := s.db.rebind(`INSERT INTO callback_dedup (provider_sid, event_type, seen_at) VALUES (?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, providerSID, eventType, formatTime(seenAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting dedup entry: %w", err)
	}
	return nil
}

// Count returns the number of entries for a provider sid, for tests and
// diagnostics.
func (s *DedupStore) Count(ctx context.Context, providerSID string) (int, error) {
	query := s.db.rebind(`SELECT COUNT(*) FROM callback_dedup WHERE provider_sid = ?`)
	var n int
	if err := s.db.QueryRowContext(ctx, query, providerSID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting dedup entries: %w", err)
	}
	return n, nil
}

// PurgeOlderThan removes entries outside the idempotency window.
func (s *DedupStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.db.rebind(`DELETE FROM callback_dedup WHERE seen_at < ?`)
	res, err := s.db.ExecContext(ctx, query, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging dedup entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// isUniqueViolation detects constraint conflicts for both drivers.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	// Fallback on message text; drivers are not perfectly uniform here.
	return strings.Contains(strings.ToLower(err.Error()), "unique") ||
		strings.Contains(strings.ToLower(err.Error()), "constraint")
}
