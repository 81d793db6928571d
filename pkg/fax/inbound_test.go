package fax_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faxbot/faxbot/pkg/audit"
	"github.com/faxbot/faxbot/pkg/auth"
	"github.com/faxbot/faxbot/pkg/config"
	"github.com/faxbot/faxbot/pkg/document"
	"github.com/faxbot/faxbot/pkg/fax"
	"github.com/faxbot/faxbot/pkg/storage"
	"github.com/faxbot/faxbot/pkg/store"
)

// fakeFetcher returns canned media bytes for any provider sid.
type fakeFetcher struct {
	data []byte
	err  error
}

func (f *fakeFetcher) FetchInboundMedia(context.Context, string) ([]byte, error) {
	return f.data, f.err
}

type inboundFixture struct {
	cfg     *config.Config
	svc     *fax.InboundService
	inbound *store.InboundStore
	rules   *store.MailboxStore
	dedup   *store.DedupStore
	files   storage.Store
}

func newInboundFixture(t *testing.T, fetcher fax.MediaFetcher) *inboundFixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	files, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{
		InboundEnabled:       true,
		InboundTokenTTL:      time.Hour,
		InboundRetentionDays: 30,
		DataDir:              t.TempDir(),
		ConvertTimeout:       5 * time.Second,
	}
	inbound := store.NewInboundStore(db)
	rules := store.NewMailboxStore(db)
	dedup := store.NewDedupStore(db)
	conv := document.NewConverter("gs", "tiff2pdf", cfg.ConvertTimeout)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := fax.NewInboundService(cfg, inbound, dedup, rules, files, conv,
		fetcher, audit.NewNopLogger(), auth.NewOpaqueToken, log)
	return &inboundFixture{cfg: cfg, svc: svc, inbound: inbound, rules: rules, dedup: dedup, files: files}
}

func cloudEvent(sid string) *fax.InboundEvent {
	return &fax.InboundEvent{
		ProviderSID: sid,
		EventType:   "inbound_received",
		FromNumber:  "+15550001111",
		ToNumber:    "+15551234567",
		Pages:       2,
	}
}

func TestIngestCloud_HappyPath(t *testing.T) {
	f := newInboundFixture(t, &fakeFetcher{data: samplePDF})
	ctx := context.Background()

	require.NoError(t, f.rules.SetRule(ctx, &fax.InboundRule{
		ToNumber: "+15551234567", MailboxLabel: "billing", CreatedAt: time.Now(),
	}))

	require.NoError(t, f.svc.IngestCloud(ctx, fax.BackendPhaxio, cloudEvent("px-in-1")))

	items, err := f.svc.List(ctx, fax.InboundFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	in := items[0]

	assert.Equal(t, fax.InboundReceived, in.Status)
	assert.Equal(t, "px-in-1", in.ProviderSID)
	assert.Equal(t, "billing", in.MailboxLabel)
	assert.Equal(t, int64(len(samplePDF)), in.SizeBytes)
	sum := sha256.Sum256(samplePDF)
	assert.Equal(t, hex.EncodeToString(sum[:]), in.SHA256)
	assert.NotEmpty(t, in.PDFToken)
	assert.True(t, in.RetentionUntil.After(time.Now().Add(29*24*time.Hour)))

	rc, err := f.svc.OpenArtifact(ctx, in.ID, in.PDFToken, false)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, samplePDF, data)

	_, err = f.svc.OpenArtifact(ctx, in.ID, "wrong", false)
	assert.ErrorIs(t, err, fax.ErrTokenInvalid)
}

func TestIngestCloud_Duplicate(t *testing.T) {
	f := newInboundFixture(t, &fakeFetcher{data: samplePDF})
	ctx := context.Background()

	require.NoError(t, f.svc.IngestCloud(ctx, fax.BackendPhaxio, cloudEvent("px-in-1")))
	err := f.svc.IngestCloud(ctx, fax.BackendPhaxio, cloudEvent("px-in-1"))
	assert.ErrorIs(t, err, fax.ErrDuplicateEvent)

	items, err := f.svc.List(ctx, fax.InboundFilter{})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestIngestCloud_Disabled(t *testing.T) {
	f := newInboundFixture(t, &fakeFetcher{data: samplePDF})
	f.cfg.InboundEnabled = false

	err := f.svc.IngestCloud(context.Background(), fax.BackendPhaxio, cloudEvent("px-in-1"))
	assert.ErrorIs(t, err, fax.ErrInboundDisabled)
}

func TestIngestCloud_ProviderFailureRecorded(t *testing.T) {
	f := newInboundFixture(t, &fakeFetcher{data: samplePDF})
	ctx := context.Background()

	ev := cloudEvent("px-in-1")
	ev.Failed = true
	ev.Error = "no answer"
	require.NoError(t, f.svc.IngestCloud(ctx, fax.BackendPhaxio, ev))

	items, err := f.svc.List(ctx, fax.InboundFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, fax.InboundFailed, items[0].Status)
	assert.Equal(t, "no answer", items[0].Error)
	assert.Empty(t, items[0].PDFPath)
}

func TestIngestCloud_NoFetcherRecordsFailure(t *testing.T) {
	f := newInboundFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.IngestCloud(ctx, fax.BackendSinch, cloudEvent("sn-in-1")))

	items, err := f.svc.List(ctx, fax.InboundFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, fax.InboundFailed, items[0].Status)
}

func TestIngestAsterisk_RejectsUnsafePaths(t *testing.T) {
	f := newInboundFixture(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		path string
		uid  string
	}{
		{"relative", "inbound/fax.tiff", "u1"},
		{"traversal", filepath.Join(f.cfg.DataDir, "..", "etc", "passwd"), "u2"},
		{"outside data dir", "/etc/passwd", "u3"},
		{"empty", "", "u4"},
	}
	for _, tc := range cases {
		err := f.svc.IngestAsterisk(ctx, &fax.AsteriskInbound{
			TiffPath: tc.path, UniqueID: tc.uid, FaxStatus: "SUCCESS",
		})
		assert.ErrorIs(t, err, fax.ErrBadPath, tc.name)
	}
}

func TestIngestAsterisk_MissingUniqueID(t *testing.T) {
	f := newInboundFixture(t, nil)
	err := f.svc.IngestAsterisk(context.Background(), &fax.AsteriskInbound{
		TiffPath: filepath.Join(f.cfg.DataDir, "fax.tiff"),
	})
	assert.ErrorIs(t, err, fax.ErrBadPath)
}

func TestIngestAsterisk_PBXFailureRecorded(t *testing.T) {
	f := newInboundFixture(t, nil)
	ctx := context.Background()

	err := f.svc.IngestAsterisk(ctx, &fax.AsteriskInbound{
		TiffPath:  filepath.Join(f.cfg.DataDir, "inbound", "fax.tiff"),
		ToNumber:  "+15551234567",
		FaxStatus: "FAILED",
		UniqueID:  "1700000000.42",
	})
	require.NoError(t, err)

	items, err := f.svc.List(ctx, fax.InboundFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, fax.InboundFailed, items[0].Status)
	assert.Equal(t, "asterisk:1700000000.42", items[0].ProviderSID)
	assert.Equal(t, fax.BackendSIP, items[0].Backend)
}

func TestIngestAsterisk_Duplicate(t *testing.T) {
	f := newInboundFixture(t, nil)
	ctx := context.Background()

	req := &fax.AsteriskInbound{
		TiffPath:  filepath.Join(f.cfg.DataDir, "inbound", "fax.tiff"),
		FaxStatus: "FAILED",
		UniqueID:  "1700000000.42",
	}
	require.NoError(t, f.svc.IngestAsterisk(ctx, req))
	assert.ErrorIs(t, f.svc.IngestAsterisk(ctx, req), fax.ErrDuplicateEvent)
}

func TestIngestAsterisk_Disabled(t *testing.T) {
	f := newInboundFixture(t, nil)
	f.cfg.InboundEnabled = false
	err := f.svc.IngestAsterisk(context.Background(), &fax.AsteriskInbound{
		TiffPath: filepath.Join(f.cfg.DataDir, "fax.tiff"), UniqueID: "u1",
	})
	assert.ErrorIs(t, err, fax.ErrInboundDisabled)
}

func TestOpenArtifact_BypassSkipsTokenChecks(t *testing.T) {
	f := newInboundFixture(t, &fakeFetcher{data: samplePDF})
	ctx := context.Background()

	require.NoError(t, f.svc.IngestCloud(ctx, fax.BackendPhaxio, cloudEvent("px-in-1")))
	items, err := f.svc.List(ctx, fax.InboundFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)

	// An authenticated inbound:read caller needs no token at all.
	rc, err := f.svc.OpenArtifact(ctx, items[0].ID, "", true)
	require.NoError(t, err)
	_ = rc.Close()
}
