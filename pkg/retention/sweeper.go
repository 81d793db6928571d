// Package retention runs the periodic artifact cleanup: expired inbound and
// outbound documents are deleted from storage, their metadata rows kept, and
// stale dedup entries purged.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/faxbot/faxbot/pkg/config"
	"github.com/faxbot/faxbot/pkg/fax"
	"github.com/faxbot/faxbot/pkg/metrics"
	"github.com/faxbot/faxbot/pkg/storage"
)

const sweepBatch = 200

// JobArtifacts is the job-store surface the sweeper needs.
type JobArtifacts interface {
	ListArtifactsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*fax.Job, error)
	ClearArtifacts(ctx context.Context, id string) error
}

// InboundArtifacts is the inbound-store surface the sweeper needs.
type InboundArtifacts interface {
	ListArtifactsExpired(ctx context.Context, now time.Time, limit int) ([]*fax.Inbound, error)
	ClearArtifacts(ctx context.Context, id string) error
}

// DedupPurger removes dedup entries outside the idempotency window.
type DedupPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper deletes expired artifacts on an interval. Failures are logged and
// retried on the next tick.
type Sweeper struct {
	cfg     *config.Config
	jobs    JobArtifacts
	inbound InboundArtifacts
	dedup   DedupPurger
	files   storage.Store
	log     *slog.Logger
	now     func() time.Time
}

// NewSweeper wires the retention task.
func NewSweeper(cfg *config.Config, jobs JobArtifacts, inbound InboundArtifacts,
	dedup DedupPurger, files storage.Store, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{cfg: cfg, jobs: jobs, inbound: inbound, dedup: dedup,
		files: files, log: log, now: time.Now}
}

// Run ticks until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.cfg.RetentionInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one cleanup pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	expired, err := s.inbound.ListArtifactsExpired(ctx, now, sweepBatch)
	if err != nil {
		s.log.Error("listing expired inbound artifacts", "error", err)
	}
	for _, in := range expired {
		if s.deleteRefs(ctx, in.PDFPath, in.TIFFPath) {
			if err := s.inbound.ClearArtifacts(ctx, in.ID); err != nil {
				s.log.Error("clearing inbound artifacts", "inbound_id", in.ID, "error", err)
			}
		}
	}

	cutoff := now.Add(-s.cfg.InboundRetention())
	jobs, err := s.jobs.ListArtifactsOlderThan(ctx, cutoff, sweepBatch)
	if err != nil {
		s.log.Error("listing expired job artifacts", "error", err)
	}
	for _, j := range jobs {
		if s.deleteRefs(ctx, j.PDFPath, j.TIFFPath) {
			if err := s.jobs.ClearArtifacts(ctx, j.ID); err != nil {
				s.log.Error("clearing job artifacts", "job_id", j.ID, "error", err)
			}
		}
	}

	if n, err := s.dedup.PurgeOlderThan(ctx, now.Add(-s.cfg.DedupTTL)); err != nil {
		s.log.Error("purging dedup entries", "error", err)
	} else if n > 0 {
		s.log.Info("purged dedup entries", "count", n)
	}
}

// deleteRefs removes the given storage refs; a failed delete leaves the row
// untouched so the next sweep retries it.
func (s *Sweeper) deleteRefs(ctx context.Context, refs ...string) bool {
	ok := true
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if err := s.files.Delete(ctx, ref); err != nil {
			s.log.Error("deleting artifact", "ref", ref, "error", err)
			ok = false
			continue
		}
		metrics.ArtifactsDeleted.Inc()
	}
	return ok
}
