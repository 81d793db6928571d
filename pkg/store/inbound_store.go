package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/faxbot/faxbot/pkg/fax"
)

// InboundStore persists received faxes.
type InboundStore struct {
	db *DB
}

// NewInboundStore creates an InboundStore over the given database.
func NewInboundStore(db *DB) *InboundStore {
	return &InboundStore{db: db}
}

const inboundColumns = `id, from_number, to_number, status, backend, provider_sid,
	pages, size_bytes, sha256, error, pdf_path, tiff_path, mailbox_label,
	pdf_token, pdf_token_expires_at, retention_until, created_at, received_at, updated_at`

func (s *InboundStore) Create(ctx context.Context, in *fax.Inbound) error {
	query := s.db.rebind(`INSERT INTO inbound_faxes (` + inboundColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		in.ID, nullStr(in.FromNumber), nullStr(in.ToNumber), string(in.Status), in.Backend,
		nullStr(in.ProviderSID), nullInt(in.Pages), in.SizeBytes, nullStr(in.SHA256),
		nullStr(in.Error), nullStr(in.PDFPath), nullStr(in.TIFFPath), nullStr(in.MailboxLabel),
		nullStr(in.PDFToken), formatNullableTime(&in.PDFTokenExpiry),
		formatNullableTime(&in.RetentionUntil),
		formatTime(in.CreatedAt), formatTime(in.ReceivedAt), formatTime(in.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting inbound record: %w", err)
	}
	return nil
}

func (s *InboundStore) Get(ctx context.Context, id string) (*fax.Inbound, error) {
	query := s.db.rebind(`SELECT ` + inboundColumns + ` FROM inbound_faxes WHERE id = ?`)
	return scanInbound(s.db.QueryRowContext(ctx, query, id))
}

// List returns inbound records newest-first.
func (s *InboundStore) List(ctx context.Context, f fax.InboundFilter) ([]*fax.Inbound, error) {
	query := `SELECT ` + inboundColumns + ` FROM inbound_faxes WHERE 1=1`
	var args []any
	if f.ToNumber != "" {
		query += ` AND to_number = ?`
		args = append(args, f.ToNumber)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Mailbox != "" {
		query += ` AND mailbox_label = ?`
		args = append(args, f.Mailbox)
	}
	if !f.Since.IsZero() {
		query += ` AND received_at >= ?`
		args = append(args, formatTime(f.Since))
	}
	query += ` ORDER BY received_at DESC LIMIT ? OFFSET ?`
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing inbound records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*fax.Inbound
	for rows.Next() {
		in, err := scanInbound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// ListArtifactsExpired returns records whose retention window has passed and
// that still hold artifacts.
func (s *InboundStore) ListArtifactsExpired(ctx context.Context, now time.Time, limit int) ([]*fax.Inbound, error) {
	query := s.db.rebind(`SELECT ` + inboundColumns + ` FROM inbound_faxes
		WHERE retention_until IS NOT NULL AND retention_until < ?
		AND (pdf_path IS NOT NULL OR tiff_path IS NOT NULL)
		ORDER BY retention_until ASC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired inbound records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*fax.Inbound
	for rows.Next() {
		in, err := scanInbound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// ClearArtifacts drops storage references after retention deletion.
func (s *InboundStore) ClearArtifacts(ctx context.Context, id string) error {
	query := s.db.rebind(`UPDATE inbound_faxes SET pdf_path = NULL, tiff_path = NULL, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, formatTime(time.Now()), id); err != nil {
		return fmt.Errorf("clearing inbound artifacts: %w", err)
	}
	return nil
}

func scanInbound(row rowScanner) (*fax.Inbound, error) {
	var (
		in          fax.Inbound
		fromNumber  sql.NullString
		toNumber    sql.NullString
		status      string
		providerSID sql.NullString
		pages       sql.NullInt64
		sizeBytes   sql.NullInt64
		shaHex      sql.NullString
		errMsg      sql.NullString
		pdfPath     sql.NullString
		tiffPath    sql.NullString
		mailbox     sql.NullString
		pdfToken    sql.NullString
		tokenExpiry sql.NullString
		retention   sql.NullString
		createdAt   string
		receivedAt  string
		updatedAt   string
	)
	err := row.Scan(&in.ID, &fromNumber, &toNumber, &status, &in.Backend, &providerSID,
		&pages, &sizeBytes, &shaHex, &errMsg, &pdfPath, &tiffPath, &mailbox,
		&pdfToken, &tokenExpiry, &retention, &createdAt, &receivedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning inbound record: %w", err)
	}
	in.FromNumber = fromNumber.String
	in.ToNumber = toNumber.String
	in.Status = fax.InboundStatus(status)
	in.ProviderSID = providerSID.String
	in.Pages = int(pages.Int64)
	in.SizeBytes = sizeBytes.Int64
	in.SHA256 = shaHex.String
	in.Error = errMsg.String
	in.PDFPath = pdfPath.String
	in.TIFFPath = tiffPath.String
	in.MailboxLabel = mailbox.String
	in.PDFToken = pdfToken.String
	if t := parseNullableTime(tokenExpiry); t != nil {
		in.PDFTokenExpiry = *t
	}
	if t := parseNullableTime(retention); t != nil {
		in.RetentionUntil = *t
	}
	in.CreatedAt = parseTime(createdAt)
	in.ReceivedAt = parseTime(receivedAt)
	in.UpdatedAt = parseTime(updatedAt)
	return &in, nil
}
