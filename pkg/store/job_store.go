package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/faxbot/faxbot/pkg/fax"
)

// Sentinels are shared with the domain package so services can match them
// without depending on this one.
var (
	ErrNotFound        = fax.ErrNotFound
	ErrStaleTransition = fax.ErrStaleTransition
)

// JobStore persists outbound fax jobs.
type JobStore struct {
	db *DB
}

// NewJobStore creates a JobStore over the given database.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

const jobColumns = `id, to_number, status, backend, provider_sid, pages, error,
	pdf_path, tiff_path, pdf_url, pdf_token, pdf_token_expires_at,
	created_at, updated_at`

func (s *JobStore) Create(ctx context.Context, j *fax.Job) error {
	query := s.db.rebind(`INSERT INTO fax_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		j.ID, j.ToNumber, string(j.Status), j.Backend,
		nullStr(j.ProviderSID), nullInt(j.Pages), nullStr(j.Error),
		nullStr(j.PDFPath), nullStr(j.TIFFPath), nullStr(j.PDFURL), nullStr(j.PDFToken),
		formatNullableTime(&j.PDFTokenExpiry),
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*fax.Job, error) {
	query := s.db.rebind(`SELECT ` + jobColumns + ` FROM fax_jobs WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, query, id)
	return scanJob(row)
}

// GetByProviderSID finds the job a provider callback refers to.
func (s *JobStore) GetByProviderSID(ctx context.Context, providerSID string) (*fax.Job, error) {
	query := s.db.rebind(`SELECT ` + jobColumns + ` FROM fax_jobs WHERE provider_sid = ?`)
	row := s.db.QueryRowContext(ctx, query, providerSID)
	return scanJob(row)
}

// Transition moves a job between states with a status precondition, so
// concurrent or duplicate events cannot leave a terminal state. The from set
// is enforced inside the UPDATE; zero rows affected means the job either does
// not exist or already moved on.
func (s *JobStore) Transition(ctx context.Context, id string, from []fax.JobStatus, to fax.JobStatus, set fax.JobUpdate) error {
	setClause := "status = ?, updated_at = ?"
	args := []any{string(to), formatTime(time.Now())}
	if set.ProviderSID != nil {
		setClause += ", provider_sid = ?"
		args = append(args, *set.ProviderSID)
	}
	if set.Pages != nil {
		setClause += ", pages = ?"
		args = append(args, *set.Pages)
	}
	if set.Error != nil {
		setClause += ", error = ?"
		args = append(args, *set.Error)
	}

	placeholders := ""
	for i := range from {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
	}
	query := s.db.rebind(`UPDATE fax_jobs SET ` + setClause + ` WHERE id = ? AND status IN (` + placeholders + `)`)

	// Parameter order: SET values, then id, then the IN list.
	full := make([]any, 0, len(args)+1+len(from))
	full = append(full, args...)
	full = append(full, id)
	for _, st := range from {
		full = append(full, string(st))
	}

	res, err := s.db.ExecContext(ctx, query, full...)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// SetArtifacts records the storage references and tokenized URL fields
// produced during submission.
func (s *JobStore) SetArtifacts(ctx context.Context, j *fax.Job) error {
	query := s.db.rebind(`UPDATE fax_jobs SET
		pdf_path = ?, tiff_path = ?, pages = ?,
		pdf_url = ?, pdf_token = ?, pdf_token_expires_at = ?, updated_at = ?
		WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query,
		nullStr(j.PDFPath), nullStr(j.TIFFPath), nullInt(j.Pages),
		nullStr(j.PDFURL), nullStr(j.PDFToken), formatNullableTime(&j.PDFTokenExpiry),
		formatTime(time.Now()), j.ID,
	)
	if err != nil {
		return fmt.Errorf("updating job artifacts: %w", err)
	}
	return nil
}

// ListArtifactsOlderThan returns jobs with stored artifacts created before
// the cutoff, for the retention sweeper.
func (s *JobStore) ListArtifactsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*fax.Job, error) {
	query := s.db.rebind(`SELECT ` + jobColumns + ` FROM fax_jobs
		WHERE created_at < ? AND (pdf_path IS NOT NULL OR tiff_path IS NOT NULL)
		ORDER BY created_at ASC LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, formatTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*fax.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClearArtifacts drops the storage references after deletion, keeping the
// metadata row.
func (s *JobStore) ClearArtifacts(ctx context.Context, id string) error {
	query := s.db.rebind(`UPDATE fax_jobs SET pdf_path = NULL, tiff_path = NULL, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, formatTime(time.Now()), id); err != nil {
		return fmt.Errorf("clearing job artifacts: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*fax.Job, error) {
	var (
		j           fax.Job
		status      string
		providerSID sql.NullString
		pages       sql.NullInt64
		errMsg      sql.NullString
		pdfPath     sql.NullString
		tiffPath    sql.NullString
		pdfURL      sql.NullString
		pdfToken    sql.NullString
		tokenExpiry sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&j.ID, &j.ToNumber, &status, &j.Backend, &providerSID, &pages, &errMsg,
		&pdfPath, &tiffPath, &pdfURL, &pdfToken, &tokenExpiry, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning job: %w", err)
	}
	j.Status = fax.JobStatus(status)
	j.ProviderSID = providerSID.String
	j.Pages = int(pages.Int64)
	j.Error = errMsg.String
	j.PDFPath = pdfPath.String
	j.TIFFPath = tiffPath.String
	j.PDFURL = pdfURL.String
	j.PDFToken = pdfToken.String
	if t := parseNullableTime(tokenExpiry); t != nil {
		j.PDFTokenExpiry = *t
	}
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
