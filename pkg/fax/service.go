package fax

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/faxbot/faxbot/pkg/audit"
	"github.com/faxbot/faxbot/pkg/config"
	"github.com/faxbot/faxbot/pkg/document"
	"github.com/faxbot/faxbot/pkg/metrics"
	"github.com/faxbot/faxbot/pkg/storage"
)

// Submission rejections, mapped by the API layer to 413/415/400/403.
var (
	ErrTooLarge        = errors.New("file exceeds size limit")
	ErrUnsupportedType = errors.New("unsupported media type")
	ErrBadNumber       = errors.New("invalid destination number")
	ErrTokenInvalid    = errors.New("invalid or expired token")
)

// JobRepo is the persistence surface the job service needs.
type JobRepo interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	GetByProviderSID(ctx context.Context, providerSID string) (*Job, error)
	Transition(ctx context.Context, id string, from []JobStatus, to JobStatus, set JobUpdate) error
	SetArtifacts(ctx context.Context, j *Job) error
}

// DedupRepo records accepted callback events; Insert returns
// ErrDuplicateEvent when the (provider_sid, event_type) pair was seen before.
type DedupRepo interface {
	Insert(ctx context.Context, providerSID, eventType string, seenAt time.Time) error
}

// Service drives the outbound job state machine.
type Service struct {
	cfg     *config.Config
	jobs    JobRepo
	dedup   DedupRepo
	files   storage.Store
	conv    *document.Converter
	backend Outbound
	audit   audit.Logger
	log     *slog.Logger

	// NewToken mints opaque artifact tokens; injected to keep the auth
	// package out of this one.
	newToken func() (string, error)
	now      func() time.Time
}

// NewService wires the job service.
func NewService(cfg *config.Config, jobs JobRepo, dedup DedupRepo, files storage.Store,
	conv *document.Converter, backend Outbound, auditLog audit.Logger,
	newToken func() (string, error), log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		jobs:     jobs,
		dedup:    dedup,
		files:    files,
		conv:     conv,
		backend:  backend,
		audit:    auditLog,
		log:      log,
		newToken: newToken,
		now:      time.Now,
	}
}

// Submission is a validated-enough upload from the API layer.
type Submission struct {
	ToNumber    string
	ContentType string
	Data        []byte
	KeyID       string // acting credential, for the audit trail
}

// Submit validates the upload, converts it, hands it to the configured
// backend, and returns the job. Conversion and dispatch failures surface as
// a FAILED job, not an error; only rejections return errors.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Job, error) {
	if int64(len(sub.Data)) > s.cfg.MaxFileSizeBytes() {
		return nil, ErrTooLarge
	}
	isText, err := classifyMedia(sub.ContentType)
	if err != nil {
		return nil, err
	}
	if !ValidNumber(sub.ToNumber) {
		return nil, ErrBadNumber
	}

	now := s.now()
	job := &Job{
		ID:        uuid.NewString(),
		ToNumber:  sub.ToNumber,
		Status:    StatusQueued,
		Backend:   s.backend.Name(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	s.audit.Record(ctx, audit.EventFax, sub.KeyID, "submit", job.ID,
		map[string]any{"to": MaskNumber(sub.ToNumber), "backend": job.Backend})
	metrics.JobsSubmitted.WithLabelValues(job.Backend).Inc()

	pdf := sub.Data
	if isText {
		pdf, err = s.conv.TextToPDF(ctx, sub.Data)
		if err != nil {
			metrics.ConversionFailures.WithLabelValues("text_to_pdf").Inc()
			return s.failJob(ctx, job, "document conversion failed")
		}
	}

	art := Artifacts{PDF: pdf}
	if job.Backend == BackendSIP {
		art.TIFF, err = s.conv.PDFToTIFF(ctx, pdf)
		if err != nil {
			metrics.ConversionFailures.WithLabelValues("pdf_to_tiff").Inc()
			return s.failJob(ctx, job, "document conversion failed")
		}
	}

	job.PDFPath = "outbound/" + job.ID + ".pdf"
	if err := s.files.Put(ctx, job.PDFPath, pdf); err != nil {
		s.log.Error("storing outbound pdf", "job_id", job.ID, "error", err)
		return s.failJob(ctx, job, "artifact storage failed")
	}
	if len(art.TIFF) > 0 {
		job.TIFFPath = "outbound/" + job.ID + ".tiff"
		if err := s.files.Put(ctx, job.TIFFPath, art.TIFF); err != nil {
			s.log.Error("storing outbound tiff", "job_id", job.ID, "error", err)
			return s.failJob(ctx, job, "artifact storage failed")
		}
	}

	if pages, err := s.conv.CountPages(ctx, pdf); err == nil {
		job.Pages = pages
	}

	if job.Backend == BackendPhaxio {
		if err := s.mintArtifactToken(job); err != nil {
			s.log.Error("minting artifact token", "job_id", job.ID, "error", err)
			return s.failJob(ctx, job, "token minting failed")
		}
	}
	if err := s.jobs.SetArtifacts(ctx, job); err != nil {
		return nil, fmt.Errorf("recording artifacts: %w", err)
	}

	res, err := s.backend.Send(ctx, job, art)
	if err != nil {
		s.log.Error("provider send failed", "job_id", job.ID, "backend", job.Backend, "error", err)
		return s.failJob(ctx, job, "provider send failed")
	}

	set := JobUpdate{ProviderSID: &res.ProviderSID}
	if err := s.jobs.Transition(ctx, job.ID, []JobStatus{StatusQueued}, res.Status, set); err != nil &&
		!errors.Is(err, ErrStaleTransition) {
		return nil, fmt.Errorf("recording send: %w", err)
	}
	if res.Status.Terminal() {
		metrics.JobsCompleted.WithLabelValues(job.Backend, string(res.Status)).Inc()
	}
	return s.jobs.Get(ctx, job.ID)
}

// mintArtifactToken prepares the tokenized URL handed to URL-fetch providers.
func (s *Service) mintArtifactToken(job *Job) error {
	base := strings.TrimRight(s.cfg.PublicAPIURL, "/")
	if s.cfg.EnforcePublicHTTPS && !strings.HasPrefix(base, "https://") {
		return fmt.Errorf("public URL must be https")
	}
	token, err := s.newToken()
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}
	job.PDFToken = token
	job.PDFTokenExpiry = s.now().Add(s.cfg.PDFTokenTTL)
	job.PDFURL = fmt.Sprintf("%s/fax/%s/pdf?token=%s", base, job.ID, token)
	return nil
}

// failJob moves a queued job to FAILED with a sanitized error and returns
// the refreshed record.
func (s *Service) failJob(ctx context.Context, job *Job, reason string) (*Job, error) {
	set := JobUpdate{Error: &reason}
	err := s.jobs.Transition(ctx, job.ID, []JobStatus{StatusQueued, StatusInProgress}, StatusFailed, set)
	if err != nil && !errors.Is(err, ErrStaleTransition) {
		return nil, fmt.Errorf("failing job: %w", err)
	}
	metrics.JobsCompleted.WithLabelValues(job.Backend, string(StatusFailed)).Inc()
	return s.jobs.Get(ctx, job.ID)
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.jobs.Get(ctx, id)
}

// HandleCallback applies a verified provider callback. Duplicate deliveries
// return ErrDuplicateEvent, which callers acknowledge with 200.
func (s *Service) HandleCallback(ctx context.Context, ev *CallbackEvent) error {
	if err := s.dedup.Insert(ctx, ev.ProviderSID, ev.EventType, s.now()); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			metrics.Callbacks.WithLabelValues(s.backend.Name(), metrics.CallbackDuplicate).Inc()
			return ErrDuplicateEvent
		}
		return fmt.Errorf("recording event: %w", err)
	}
	job, err := s.jobs.GetByProviderSID(ctx, ev.ProviderSID)
	if err != nil {
		return fmt.Errorf("locating job for %s: %w", ev.ProviderSID, err)
	}
	return s.applyResult(ctx, job, ev)
}

// HandleJobResult applies a terminal result addressed by job id, used by the
// PBX paths where the caller already knows the job.
func (s *Service) HandleJobResult(ctx context.Context, jobID string, ev *CallbackEvent) error {
	sid := ev.ProviderSID
	if sid == "" {
		sid = "job:" + jobID
	}
	if err := s.dedup.Insert(ctx, sid, ev.EventType, s.now()); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			metrics.Callbacks.WithLabelValues(s.backend.Name(), metrics.CallbackDuplicate).Inc()
			return ErrDuplicateEvent
		}
		return fmt.Errorf("recording event: %w", err)
	}
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("locating job %s: %w", jobID, err)
	}
	return s.applyResult(ctx, job, ev)
}

func (s *Service) applyResult(ctx context.Context, job *Job, ev *CallbackEvent) error {
	if !ev.Status.Terminal() {
		return nil // progress events carry no state change
	}
	var set JobUpdate
	if ev.Pages > 0 {
		// Callback page counts overwrite the local estimate.
		set.Pages = &ev.Pages
	}
	if ev.Status == StatusFailed {
		msg := ev.Error
		if msg == "" {
			msg = "provider reported failure"
		}
		set.Error = &msg
	}
	err := s.jobs.Transition(ctx, job.ID,
		[]JobStatus{StatusQueued, StatusInProgress}, ev.Status, set)
	if err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return nil // already terminal; late event swallowed
		}
		return fmt.Errorf("applying result: %w", err)
	}
	metrics.JobsCompleted.WithLabelValues(job.Backend, string(ev.Status)).Inc()
	metrics.Callbacks.WithLabelValues(s.backend.Name(), metrics.CallbackProcessed).Inc()
	s.audit.Record(ctx, audit.EventWebhook, "", "job_result", job.ID,
		map[string]any{"status": string(ev.Status), "event": ev.EventType})
	return nil
}

// OpenArtifact returns the stored PDF for a tokenized retrieval. The token
// must match in constant time and the expiry must still be in the future.
func (s *Service) OpenArtifact(ctx context.Context, id, token string) (io.ReadCloser, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.PDFToken == "" ||
		subtle.ConstantTimeCompare([]byte(job.PDFToken), []byte(token)) != 1 {
		return nil, ErrTokenInvalid
	}
	if !s.now().Before(job.PDFTokenExpiry) {
		return nil, ErrTokenInvalid
	}
	if job.PDFPath == "" {
		return nil, storage.ErrNotFound
	}
	return s.files.Open(ctx, job.PDFPath)
}

// classifyMedia returns whether the upload is text, rejecting anything that
// is not PDF or plain text.
func classifyMedia(contentType string) (bool, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "application/pdf":
		return false, nil
	case "text/plain":
		return true, nil
	default:
		return false, ErrUnsupportedType
	}
}
