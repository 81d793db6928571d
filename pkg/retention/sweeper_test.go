package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faxbot/faxbot/pkg/config"
	"github.com/faxbot/faxbot/pkg/fax"
	"github.com/faxbot/faxbot/pkg/storage"
	"github.com/faxbot/faxbot/pkg/store"
)

type sweepFixture struct {
	sweeper *Sweeper
	jobs    *store.JobStore
	inbound *store.InboundStore
	dedup   *store.DedupStore
	files   storage.Store
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	files, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{
		InboundRetentionDays: 30,
		DedupTTL:             48 * time.Hour,
	}
	jobs := store.NewJobStore(db)
	inbound := store.NewInboundStore(db)
	dedup := store.NewDedupStore(db)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &sweepFixture{
		sweeper: NewSweeper(cfg, jobs, inbound, dedup, files, log),
		jobs:    jobs,
		inbound: inbound,
		dedup:   dedup,
		files:   files,
	}
}

func (f *sweepFixture) seedInbound(t *testing.T, retentionUntil time.Time) *fax.Inbound {
	t.Helper()
	ctx := context.Background()
	in := &fax.Inbound{
		ID:             uuid.NewString(),
		Status:         fax.InboundReceived,
		Backend:        fax.BackendPhaxio,
		ProviderSID:    uuid.NewString(),
		PDFPath:        "inbound/" + uuid.NewString() + ".pdf",
		RetentionUntil: retentionUntil,
		CreatedAt:      time.Now(),
		ReceivedAt:     time.Now(),
		UpdatedAt:      time.Now(),
	}
	require.NoError(t, f.inbound.Create(ctx, in))
	require.NoError(t, f.files.Put(ctx, in.PDFPath, []byte("%PDF-1.4 inbound")))
	return in
}

func (f *sweepFixture) seedJob(t *testing.T, createdAt time.Time) *fax.Job {
	t.Helper()
	ctx := context.Background()
	j := &fax.Job{
		ID:        uuid.NewString(),
		ToNumber:  "+15551234567",
		Status:    fax.StatusSuccess,
		Backend:   fax.BackendDisabled,
		PDFPath:   "outbound/" + uuid.NewString() + ".pdf",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	require.NoError(t, f.jobs.Create(ctx, j))
	require.NoError(t, f.files.Put(ctx, j.PDFPath, []byte("%PDF-1.4 outbound")))
	return j
}

func TestSweep_DeletesExpiredInboundArtifacts(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	expired := f.seedInbound(t, time.Now().Add(-time.Hour))
	fresh := f.seedInbound(t, time.Now().Add(24*time.Hour))

	f.sweeper.Sweep(ctx)

	// Expired blob gone, reference cleared, metadata row kept.
	_, err := f.files.Open(ctx, expired.PDFPath)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	got, err := f.inbound.Get(ctx, expired.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PDFPath)
	assert.Equal(t, fax.InboundReceived, got.Status)

	// Unexpired record untouched.
	rc, err := f.files.Open(ctx, fresh.PDFPath)
	require.NoError(t, err)
	_ = rc.Close()
	got, err = f.inbound.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.PDFPath)
}

func TestSweep_DeletesOldJobArtifacts(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	old := f.seedJob(t, time.Now().Add(-31*24*time.Hour))
	recent := f.seedJob(t, time.Now())

	f.sweeper.Sweep(ctx)

	_, err := f.files.Open(ctx, old.PDFPath)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	got, err := f.jobs.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PDFPath)
	assert.Equal(t, fax.StatusSuccess, got.Status)

	rc, err := f.files.Open(ctx, recent.PDFPath)
	require.NoError(t, err)
	_ = rc.Close()
}

func TestSweep_PurgesStaleDedupEntries(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	require.NoError(t, f.dedup.Insert(ctx, "sid-old", "fax_complete", time.Now().Add(-72*time.Hour)))
	require.NoError(t, f.dedup.Insert(ctx, "sid-new", "fax_complete", time.Now()))

	f.sweeper.Sweep(ctx)

	n, err := f.dedup.Count(ctx, "sid-old")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = f.dedup.Count(ctx, "sid-new")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// brokenStore fails every delete, simulating a storage outage mid-sweep.
type brokenStore struct {
	storage.Store
}

func (b *brokenStore) Delete(context.Context, string) error {
	return errors.New("storage unavailable")
}

func TestSweep_FailedDeleteLeavesRowForRetry(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()

	in := f.seedInbound(t, time.Now().Add(-time.Hour))

	broken := NewSweeper(f.sweeper.cfg, f.jobs, f.inbound, f.dedup,
		&brokenStore{Store: f.files}, f.sweeper.log)
	broken.Sweep(ctx)

	// The reference survives so the next pass retries the delete.
	got, err := f.inbound.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.PDFPath, got.PDFPath)

	// Once storage recovers, the normal sweep finishes the cleanup.
	f.sweeper.Sweep(ctx)
	got, err = f.inbound.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PDFPath)
}
