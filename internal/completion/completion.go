// Package completion uploads the artifacts of a finished annotation run and
// records the outcome on the job.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/gas-pipeline/internal/blob"
	"github.com/cuongbtq/gas-pipeline/internal/domain"
	"github.com/cuongbtq/gas-pipeline/internal/metrics"
	"github.com/cuongbtq/gas-pipeline/internal/queue"
)

// JobStore is the part of the record store the completer uses
type JobStore interface {
	Get(ctx context.Context, jobID string) (*domain.JobRecord, error)
	ConditionalUpdate(ctx context.Context, jobID string, u domain.Update, e domain.Expect) (*domain.JobRecord, error)
}

// Config holds completer configuration
type Config struct {
	Store     JobStore
	Objects   blob.ObjectStore
	Publisher queue.Publisher
	Runner    Runner
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	ResultsBucket string
	KeyPrefix     string

	// ResultsDestination and ArchiveDestination name where the result-ready
	// and archive-eligible events are published.
	ResultsDestination string
	ArchiveDestination string

	Retention time.Duration

	// RunningWait bounds how long the completer waits for the dispatcher's
	// RUNNING update when the run finished first.
	RunningWait   time.Duration
	RetryInterval time.Duration
	UploadRetries int
}

// Completer finishes one job
type Completer struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Completer
func New(cfg Config) *Completer {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.UploadRetries <= 0 {
		cfg.UploadRetries = 3
	}
	return &Completer{cfg: cfg, logger: cfg.Logger, now: time.Now}
}

// Job identifies the staged run to complete
type Job struct {
	JobID     string
	UserID    string
	InputPath string
}

// Run annotates the staged input and completes the job. The job's working
// directory is removed on every path.
func (c *Completer) Run(ctx context.Context, job Job) error {
	jobDir := filepath.Dir(job.InputPath)
	defer func() {
		if err := os.RemoveAll(jobDir); err != nil {
			c.logger.Warn("Failed to remove job directory",
				slog.String("job_id", job.JobID),
				slog.String("dir", jobDir),
				slog.Any("error", err),
			)
		}
	}()

	logger := c.logger.With(
		slog.String("job_id", job.JobID),
		slog.String("user_id", job.UserID),
	)

	start := c.now()
	runErr := c.cfg.Runner.Run(ctx, job.InputPath)
	completeTime := c.now().Unix()

	if runErr != nil {
		logger.Error("Annotation run failed", slog.Any("error", runErr))
		return c.fail(ctx, job)
	}

	logger.Info("Annotation run finished", slog.Duration("elapsed", c.now().Sub(start)))

	fileName := strings.TrimPrefix(filepath.Base(job.InputPath), job.JobID+"~")
	names := domain.ArtifactNames(job.JobID, fileName)
	keys := domain.ResultKeys(c.cfg.KeyPrefix, job.UserID, job.JobID, fileName)

	result := domain.Location{Bucket: c.cfg.ResultsBucket, Key: keys.Annotated}
	logLoc := domain.Location{Bucket: c.cfg.ResultsBucket, Key: keys.Log}

	if err := c.upload(ctx, filepath.Join(jobDir, names.Annotated), result); err != nil {
		logger.Error("Failed to upload result file", slog.Any("error", err))
		return c.fail(ctx, job)
	}
	if err := c.upload(ctx, filepath.Join(jobDir, names.Log), logLoc); err != nil {
		logger.Error("Failed to upload log file", slog.Any("error", err))
		return c.fail(ctx, job)
	}

	_, err := c.update(ctx, job.JobID, domain.Update{
		Status:        domain.Ptr(domain.StatusCompleted),
		Result:        &result,
		Log:           &logLoc,
		CompleteTime:  &completeTime,
		ArchiveState:  domain.Ptr(domain.ArchiveRequested),
		ResultPresent: domain.Ptr(true),
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.JobID, err)
	}

	logger.Info("Job completed",
		slog.String("result_key", result.Key),
		slog.Int64("complete_time", completeTime),
	)

	return c.publish(ctx, job, result, logLoc, completeTime)
}

// fail marks the job ERROR. The run's failure itself is not returned: the
// job record carries it.
func (c *Completer) fail(ctx context.Context, job Job) error {
	_, err := c.update(ctx, job.JobID, domain.Update{Status: domain.Ptr(domain.StatusError)})
	if err != nil {
		return fmt.Errorf("mark job %s failed: %w", job.JobID, err)
	}
	c.logger.Warn("Job marked ERROR", slog.String("job_id", job.JobID))
	return nil
}

// update applies u expecting RUNNING. A run can finish before the
// dispatcher records RUNNING, so a PENDING record is retried for up to
// RunningWait.
func (c *Completer) update(ctx context.Context, jobID string, u domain.Update) (*domain.JobRecord, error) {
	deadline := c.now().Add(c.cfg.RunningWait)

	for {
		record, err := c.cfg.Store.ConditionalUpdate(ctx, jobID, u, domain.Expect{Status: domain.StatusRunning})
		if !errors.Is(err, domain.ErrConditionFailed) {
			return record, err
		}

		current, getErr := c.cfg.Store.Get(ctx, jobID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status != domain.StatusPending || !c.now().Before(deadline) {
			return nil, err
		}

		c.logger.Debug("Job not RUNNING yet, waiting",
			slog.String("job_id", jobID),
			slog.Duration("retry_after", c.cfg.RetryInterval),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.RetryInterval):
		}
	}
}

func (c *Completer) upload(ctx context.Context, path string, loc domain.Location) error {
	var err error
	for attempt := 1; attempt <= c.cfg.UploadRetries; attempt++ {
		err = blob.UploadFile(ctx, c.cfg.Objects, path, loc)
		if err == nil || domain.KindOf(err) != domain.KindTransient {
			return err
		}
		if attempt < c.cfg.UploadRetries {
			c.logger.Warn("Upload failed, retrying",
				slog.String("key", loc.Key),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryInterval):
			}
		}
	}
	return err
}

func (c *Completer) publish(ctx context.Context, job Job, result, logLoc domain.Location, completeTime int64) error {
	ready := domain.ResultMessage{
		JobID:         job.JobID,
		UserID:        job.UserID,
		ResultsBucket: result.Bucket,
		ResultKey:     result.Key,
		LogKey:        logLoc.Key,
		CompleteTime:  completeTime,
	}
	if err := queue.PublishJSON(ctx, c.cfg.Publisher, c.cfg.ResultsDestination, ready); err != nil {
		return fmt.Errorf("publish result event for %s: %w", job.JobID, err)
	}
	c.cfg.Metrics.EventPublished(c.cfg.ResultsDestination)

	eligible := domain.ArchiveMessage{
		JobID:        job.JobID,
		ArchiveAfter: completeTime + int64(c.cfg.Retention/time.Second),
	}
	if err := queue.PublishJSON(ctx, c.cfg.Publisher, c.cfg.ArchiveDestination, eligible); err != nil {
		return fmt.Errorf("publish archive event for %s: %w", job.JobID, err)
	}
	c.cfg.Metrics.EventPublished(c.cfg.ArchiveDestination)

	c.logger.Info("Completion events published",
		slog.String("job_id", job.JobID),
		slog.Int64("archive_after", eligible.ArchiveAfter),
	)
	return nil
}
