package fax

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/faxbot/faxbot/pkg/audit"
	"github.com/faxbot/faxbot/pkg/config"
	"github.com/faxbot/faxbot/pkg/document"
	"github.com/faxbot/faxbot/pkg/metrics"
	"github.com/faxbot/faxbot/pkg/storage"
)

// ErrInboundDisabled is returned when inbound ingestion is not enabled.
var ErrInboundDisabled = errors.New("inbound receiving is disabled")

// ErrBadPath rejects internal hook paths that escape the data directory.
var ErrBadPath = errors.New("invalid artifact path")

// InboundEvent is a parsed inbound notification from a cloud provider.
type InboundEvent struct {
	ProviderSID string
	EventType   string
	FromNumber  string
	ToNumber    string
	Pages       int
	Failed      bool
	Error       string
}

// InboundFilter narrows inbound listings. Zero values mean "no filter".
type InboundFilter struct {
	ToNumber string
	Status   string
	Mailbox  string
	Since    time.Time
	Limit    int
	Offset   int
}

// InboundRepo is the persistence surface the inbound service needs.
type InboundRepo interface {
	Create(ctx context.Context, in *Inbound) error
	Get(ctx context.Context, id string) (*Inbound, error)
	List(ctx context.Context, f InboundFilter) ([]*Inbound, error)
}

// MailboxResolver maps a destination number to a mailbox label.
type MailboxResolver interface {
	ResolveMailbox(ctx context.Context, toNumber string) (string, error)
}

// MediaFetcher retrieves inbound media over a cloud provider's API.
type MediaFetcher interface {
	FetchInboundMedia(ctx context.Context, providerSID string) ([]byte, error)
}

// AsteriskInbound is the payload of the internal PBX hook.
type AsteriskInbound struct {
	TiffPath   string `json:"tiff_path"`
	ToNumber   string `json:"to_number"`
	FromNumber string `json:"from_number,omitempty"`
	FaxStatus  string `json:"faxstatus,omitempty"`
	FaxPages   int    `json:"faxpages,omitempty"`
	UniqueID   string `json:"uniqueid"`
}

// InboundService ingests received faxes and serves their retrieval.
type InboundService struct {
	cfg       *config.Config
	inbound   InboundRepo
	dedup     DedupRepo
	mailboxes MailboxResolver
	files     storage.Store
	conv      *document.Converter
	fetcher   MediaFetcher // nil when the backend cannot fetch media
	audit     audit.Logger
	log       *slog.Logger

	newToken func() (string, error)
	now      func() time.Time
}

// NewInboundService wires the inbound pipeline.
func NewInboundService(cfg *config.Config, inbound InboundRepo, dedup DedupRepo,
	mailboxes MailboxResolver, files storage.Store, conv *document.Converter,
	fetcher MediaFetcher, auditLog audit.Logger, newToken func() (string, error),
	log *slog.Logger) *InboundService {
	if log == nil {
		log = slog.Default()
	}
	return &InboundService{
		cfg:       cfg,
		inbound:   inbound,
		dedup:     dedup,
		mailboxes: mailboxes,
		files:     files,
		conv:      conv,
		fetcher:   fetcher,
		audit:     auditLog,
		log:       log,
		newToken:  newToken,
		now:       time.Now,
	}
}

// IngestCloud processes a verified inbound webhook: fetch the PDF over the
// provider API, store it, and record the fax. Ingress failures are recorded
// as failed rather than dropped so retried events stay deduplicated.
func (s *InboundService) IngestCloud(ctx context.Context, backend string, ev *InboundEvent) error {
	if !s.cfg.InboundEnabled {
		return ErrInboundDisabled
	}
	eventType := ev.EventType
	if eventType == "" {
		eventType = "inbound_received"
	}
	if err := s.dedup.Insert(ctx, ev.ProviderSID, eventType, s.now()); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			metrics.Callbacks.WithLabelValues(backend, metrics.CallbackDuplicate).Inc()
			return ErrDuplicateEvent
		}
		return fmt.Errorf("recording event: %w", err)
	}

	in := s.newRecord(backend, ev.FromNumber, ev.ToNumber)
	in.ProviderSID = ev.ProviderSID
	in.Pages = ev.Pages

	if ev.Failed {
		return s.recordFailure(ctx, in, firstNonEmpty(ev.Error, "provider reported failure"))
	}
	if s.fetcher == nil {
		return s.recordFailure(ctx, in, "backend cannot fetch media")
	}
	pdf, err := s.fetcher.FetchInboundMedia(ctx, ev.ProviderSID)
	if err != nil {
		s.log.Error("fetching inbound media", "provider_sid", ev.ProviderSID, "error", err)
		return s.recordFailure(ctx, in, "media fetch failed")
	}
	return s.finish(ctx, in, pdf)
}

// IngestAsterisk processes the internal PBX hook: the dialplan hands over a
// path to the TIFF that ReceiveFAX wrote inside the shared data directory.
func (s *InboundService) IngestAsterisk(ctx context.Context, req *AsteriskInbound) error {
	if !s.cfg.InboundEnabled {
		return ErrInboundDisabled
	}
	if req.UniqueID == "" || req.TiffPath == "" {
		return ErrBadPath
	}
	if err := s.dedup.Insert(ctx, "asterisk:"+req.UniqueID, "inbound_received", s.now()); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			metrics.Callbacks.WithLabelValues(BackendSIP, metrics.CallbackDuplicate).Inc()
			return ErrDuplicateEvent
		}
		return fmt.Errorf("recording event: %w", err)
	}

	in := s.newRecord(BackendSIP, req.FromNumber, req.ToNumber)
	in.ProviderSID = "asterisk:" + req.UniqueID
	in.Pages = req.FaxPages

	if req.FaxStatus != "" && !strings.EqualFold(req.FaxStatus, "SUCCESS") {
		return s.recordFailure(ctx, in, "receive failed on pbx")
	}

	tiffPath, err := s.safeTiffPath(req.TiffPath)
	if err != nil {
		return err
	}
	tiff, err := os.ReadFile(tiffPath) //nolint:gosec // path validated against the data directory
	if err != nil {
		s.log.Error("reading pbx tiff", "error", err)
		return s.recordFailure(ctx, in, "tiff not readable")
	}
	pdf, err := s.conv.TIFFToPDF(ctx, tiff)
	if err != nil {
		metrics.ConversionFailures.WithLabelValues("tiff_to_pdf").Inc()
		return s.recordFailure(ctx, in, "tiff conversion failed")
	}
	return s.finish(ctx, in, pdf)
}

// safeTiffPath rejects traversal-escaping paths; the hook may only point
// inside the shared data directory.
func (s *InboundService) safeTiffPath(p string) (string, error) {
	clean := filepath.Clean(p)
	if !filepath.IsAbs(clean) || strings.Contains(p, "..") {
		return "", ErrBadPath
	}
	dataDir, err := filepath.Abs(s.cfg.DataDir)
	if err != nil {
		return "", ErrBadPath
	}
	rel, err := filepath.Rel(dataDir, clean)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", ErrBadPath
	}
	return clean, nil
}

func (s *InboundService) newRecord(backend, from, to string) *Inbound {
	now := s.now()
	return &Inbound{
		ID:         uuid.NewString(),
		FromNumber: from,
		ToNumber:   to,
		Backend:    backend,
		CreatedAt:  now,
		ReceivedAt: now,
		UpdatedAt:  now,
	}
}

// finish stores the PDF, routes the record, mints the access token, and
// persists the inbound fax.
func (s *InboundService) finish(ctx context.Context, in *Inbound, pdf []byte) error {
	sum := sha256.Sum256(pdf)
	in.SHA256 = hex.EncodeToString(sum[:])
	in.SizeBytes = int64(len(pdf))

	in.PDFPath = "inbound/" + in.ID + ".pdf"
	if err := s.files.Put(ctx, in.PDFPath, pdf); err != nil {
		s.log.Error("storing inbound pdf", "inbound_id", in.ID, "error", err)
		in.PDFPath = ""
		return s.recordFailure(ctx, in, "artifact storage failed")
	}

	if in.ToNumber != "" {
		label, err := s.mailboxes.ResolveMailbox(ctx, in.ToNumber)
		if err != nil {
			s.log.Warn("resolving mailbox", "inbound_id", in.ID, "error", err)
		} else {
			in.MailboxLabel = label
		}
	}

	token, err := s.newToken()
	if err != nil {
		return s.recordFailure(ctx, in, "token minting failed")
	}
	in.PDFToken = token
	in.PDFTokenExpiry = s.now().Add(s.cfg.InboundTokenTTL)
	in.RetentionUntil = s.now().Add(s.cfg.InboundRetention())
	in.Status = InboundReceived

	if err := s.inbound.Create(ctx, in); err != nil {
		return fmt.Errorf("recording inbound fax: %w", err)
	}
	metrics.InboundReceived.WithLabelValues(in.Backend, string(InboundReceived)).Inc()
	s.audit.Record(ctx, audit.EventInbound, "", "received", in.ID,
		map[string]any{"backend": in.Backend, "to": MaskNumber(in.ToNumber), "pages": in.Pages})
	return nil
}

// recordFailure persists a failed ingestion with a short sanitized error.
func (s *InboundService) recordFailure(ctx context.Context, in *Inbound, reason string) error {
	in.Status = InboundFailed
	in.Error = reason
	if err := s.inbound.Create(ctx, in); err != nil {
		return fmt.Errorf("recording failed inbound fax: %w", err)
	}
	metrics.InboundReceived.WithLabelValues(in.Backend, string(InboundFailed)).Inc()
	s.audit.Record(ctx, audit.EventInbound, "", "receive_failed", in.ID,
		map[string]any{"backend": in.Backend, "error": reason})
	return nil
}

// Get returns an inbound record by id.
func (s *InboundService) Get(ctx context.Context, id string) (*Inbound, error) {
	return s.inbound.Get(ctx, id)
}

// List returns inbound records matching the filter.
func (s *InboundService) List(ctx context.Context, f InboundFilter) ([]*Inbound, error) {
	return s.inbound.List(ctx, f)
}

// OpenArtifact serves the stored PDF. With bypassToken the caller already
// authenticated with an inbound:read credential; otherwise the token must
// match in constant time and still be within its lifetime.
func (s *InboundService) OpenArtifact(ctx context.Context, id, token string, bypassToken bool) (io.ReadCloser, error) {
	in, err := s.inbound.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !bypassToken {
		if in.PDFToken == "" ||
			subtle.ConstantTimeCompare([]byte(in.PDFToken), []byte(token)) != 1 {
			return nil, ErrTokenInvalid
		}
		if !s.now().Before(in.PDFTokenExpiry) {
			return nil, ErrTokenInvalid
		}
	}
	if in.PDFPath == "" {
		return nil, storage.ErrNotFound
	}
	return s.files.Open(ctx, in.PDFPath)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
