package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/faxbot/faxbot/pkg/fax"
)

// MailboxStore persists mailboxes and inbound routing rules.
type MailboxStore struct {
	db *DB
}

// NewMailboxStore creates a MailboxStore over the given database.
func NewMailboxStore(db *DB) *MailboxStore {
	return &MailboxStore{db: db}
}

func (s *MailboxStore) CreateMailbox(ctx context.Context, m *fax.Mailbox) error {
	query := s.db.rebind(`INSERT INTO mailboxes (label, note, created_at) VALUES (?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, m.Label, nullStr(m.Note), formatTime(m.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting mailbox: %w", err)
	}
	return nil
}

func (s *MailboxStore) ListMailboxes(ctx context.Context) ([]*fax.Mailbox, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT label, note, created_at FROM mailboxes ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*fax.Mailbox
	for rows.Next() {
		var (
			m       fax.Mailbox
			note    sql.NullString
			created string
		)
		if err := rows.Scan(&m.Label, &note, &created); err != nil {
			return nil, fmt.Errorf("scanning mailbox: %w", err)
		}
		m.Note = note.String
		m.CreatedAt = parseTime(created)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// SetRule upserts the single active rule for a to_number.
func (s *MailboxStore) SetRule(ctx context.Context, r *fax.InboundRule) error {
	var query string
	if s.db.driver == "postgres" {
		query = s.db.rebind(`INSERT INTO inbound_rules (to_number, mailbox_label, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT (to_number) DO UPDATE SET mailbox_label = EXCLUDED.mailbox_label`)
	} else {
		query = `INSERT INTO inbound_rules (to_number, mailbox_label, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT (to_number) DO UPDATE SET mailbox_label = excluded.mailbox_label`
	}
	if _, err := s.db.ExecContext(ctx, query, r.ToNumber, r.MailboxLabel, formatTime(r.CreatedAt)); err != nil {
		return fmt.Errorf("upserting inbound rule: %w", err)
	}
	return nil
}

// ResolveMailbox returns the mailbox label for a destination number, or ""
// when no rule matches.
func (s *MailboxStore) ResolveMailbox(ctx context.Context, toNumber string) (string, error) {
	query := s.db.rebind(`SELECT mailbox_label FROM inbound_rules WHERE to_number = ?`)
	var label string
	err := s.db.QueryRowContext(ctx, query, toNumber).Scan(&label)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("resolving mailbox: %w", err)
	}
	return label, nil
}
