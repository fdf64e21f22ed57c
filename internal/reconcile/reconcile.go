// Package reconcile periodically looks for jobs that stopped moving through
// the pipeline. Lost archive-eligible events are published again; stuck
// jobs in other states are reported.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/cuongbtq/gas-pipeline/internal/domain"
	"github.com/cuongbtq/gas-pipeline/internal/jobstore"
	"github.com/cuongbtq/gas-pipeline/internal/metrics"
	"github.com/cuongbtq/gas-pipeline/internal/queue"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a five field cron expression or a descriptor such as
// "@every 5m".
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", expr, err)
	}
	return schedule, nil
}

// JobStore is the part of the record store the sweeper uses
type JobStore interface {
	ListStale(ctx context.Context, filter jobstore.StaleFilter) ([]domain.JobRecord, error)
}

// Config holds sweeper configuration
type Config struct {
	Store     JobStore
	Publisher queue.Publisher
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	ArchiveDestination string
	Retention          time.Duration

	// StaleAfter is how long a job may sit in PENDING, RUNNING or
	// RESTORE_REQUESTED before it is reported.
	StaleAfter time.Duration
	// ArchiveGrace is how long past its window an ARCHIVE_REQUESTED job may
	// wait before its event is published again.
	ArchiveGrace time.Duration
	// Limit caps the records read per state and sweep
	Limit int
}

// Sweeper runs reconcile sweeps
type Sweeper struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Sweeper
func New(cfg Config) *Sweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	if cfg.ArchiveGrace <= 0 {
		cfg.ArchiveGrace = 15 * time.Minute
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 500
	}
	return &Sweeper{cfg: cfg, logger: cfg.Logger, now: time.Now}
}

// Run sweeps on schedule until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context, schedule cronlib.Schedule) error {
	s.logger.Info("Reconcile sweeper started")

	for {
		now := s.now()
		next := schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Reconcile sweeper stopped")
			return nil
		case <-timer.C:
		}

		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Reconcile sweep failed", slog.Any("error", err))
		}
	}
}

// Report counts what one sweep found
type Report struct {
	StalePending  int
	StaleRunning  int
	StaleRestore  int
	ArchiveResent int
	ArchiveFailed int
}

// Sweep runs one pass
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report
	now := s.now()
	cutoff := now.Add(-s.cfg.StaleAfter)

	s.cfg.Metrics.SweepRun()

	stuck := []struct {
		filter jobstore.StaleFilter
		label  string
		count  *int
	}{
		{jobstore.StaleFilter{Status: domain.StatusPending}, string(domain.StatusPending), &report.StalePending},
		{jobstore.StaleFilter{Status: domain.StatusRunning}, string(domain.StatusRunning), &report.StaleRunning},
		{jobstore.StaleFilter{Status: domain.StatusCompleted, ArchiveState: domain.ArchiveRestoreRequested}, string(domain.ArchiveRestoreRequested), &report.StaleRestore},
	}

	for _, st := range stuck {
		st.filter.UpdatedBefore = cutoff
		st.filter.Limit = s.cfg.Limit

		records, err := s.cfg.Store.ListStale(ctx, st.filter)
		if err != nil {
			return report, fmt.Errorf("list stale %s jobs: %w", st.label, err)
		}

		*st.count = len(records)
		s.cfg.Metrics.SetStaleJobs(st.label, len(records))

		for _, record := range records {
			s.logger.Warn("Job stuck",
				slog.String("job_id", record.JobID),
				slog.String("user_id", record.UserID),
				slog.String("state", st.label),
				slog.Time("updated_at", time.Unix(record.UpdatedAt, 0)),
			)
		}
	}

	if err := s.resendArchive(ctx, now, &report); err != nil {
		return report, err
	}

	s.logger.Info("Reconcile sweep finished",
		slog.Int("stale_pending", report.StalePending),
		slog.Int("stale_running", report.StaleRunning),
		slog.Int("stale_restore", report.StaleRestore),
		slog.Int("archive_resent", report.ArchiveResent),
	)

	if report.ArchiveFailed > 0 {
		return report, fmt.Errorf("failed to republish %d archive events", report.ArchiveFailed)
	}
	return report, nil
}

// resendArchive publishes archive-eligible events again for jobs whose
// window passed more than ArchiveGrace ago. The archive manager ignores
// duplicates.
func (s *Sweeper) resendArchive(ctx context.Context, now time.Time, report *Report) error {
	records, err := s.cfg.Store.ListStale(ctx, jobstore.StaleFilter{
		Status:        domain.StatusCompleted,
		ArchiveState:  domain.ArchiveRequested,
		UpdatedBefore: now.Add(-s.cfg.Retention - s.cfg.ArchiveGrace),
		Limit:         s.cfg.Limit,
	})
	if err != nil {
		return fmt.Errorf("list stale archive requests: %w", err)
	}

	s.cfg.Metrics.SetStaleJobs(string(domain.ArchiveRequested), len(records))

	for _, record := range records {
		eligible := domain.ArchiveMessage{
			JobID:        record.JobID,
			ArchiveAfter: record.CompleteTime + int64(s.cfg.Retention/time.Second),
		}
		if err := queue.PublishJSON(ctx, s.cfg.Publisher, s.cfg.ArchiveDestination, eligible); err != nil {
			s.logger.Error("Failed to republish archive event",
				slog.String("job_id", record.JobID),
				slog.Any("error", err),
			)
			report.ArchiveFailed++
			continue
		}
		s.cfg.Metrics.EventPublished(s.cfg.ArchiveDestination)
		report.ArchiveResent++

		s.logger.Info("Archive event republished",
			slog.String("job_id", record.JobID),
			slog.Int64("archive_after", eligible.ArchiveAfter),
		)
	}
	return nil
}
