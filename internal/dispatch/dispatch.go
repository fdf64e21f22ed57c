// Package dispatch stages submitted inputs and launches annotation runs.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/cuongbtq/gas-pipeline/internal/blob"
	"github.com/cuongbtq/gas-pipeline/internal/domain"
	"github.com/cuongbtq/gas-pipeline/internal/queue"
)

// JobStore is the part of the record store the dispatcher uses
type JobStore interface {
	Get(ctx context.Context, jobID string) (*domain.JobRecord, error)
	ConditionalUpdate(ctx context.Context, jobID string, u domain.Update, e domain.Expect) (*domain.JobRecord, error)
}

// Dispatcher handles submission messages
type Dispatcher struct {
	store    JobStore
	objects  blob.ObjectStore
	launcher Launcher
	workDir  string
	logger   *slog.Logger
}

// New creates a Dispatcher staging inputs under workDir
func New(store JobStore, objects blob.ObjectStore, launcher Launcher, workDir string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		objects:  objects,
		launcher: launcher,
		workDir:  workDir,
		logger:   logger,
	}
}

// Handle stages the input, launches the run and marks the job RUNNING.
//
// Malformed and non-.vcf submissions fail permanently without side effects.
// Once the input is staged every outcome acks the message: a job whose
// launch or RUNNING update failed stays PENDING instead of being dispatched
// twice.
func (d *Dispatcher) Handle(ctx context.Context, msg *queue.Message) error {
	var sub domain.SubmissionMessage
	if err := queue.Decode(msg.Body, &sub); err != nil {
		return domain.Permanent("decode submission", err)
	}
	if err := sub.Validate(); err != nil {
		return domain.Permanent("validate submission", err)
	}
	if _, err := uuid.Parse(sub.JobID); err != nil {
		return domain.Permanent("validate submission", fmt.Errorf("%w: job_id %q is not a UUID", domain.ErrInvalidMessage, sub.JobID))
	}
	if !domain.HasInputExtension(sub.InputFileName) {
		return domain.Permanent("validate submission", fmt.Errorf("%w: %s", domain.ErrUnsupportedInput, sub.InputFileName))
	}

	logger := d.logger.With(
		slog.String("job_id", sub.JobID),
		slog.String("user_id", sub.UserID),
	)

	record, err := d.store.Get(ctx, sub.JobID)
	if err != nil {
		return err
	}
	if record.Status != domain.StatusPending {
		logger.Info("Job already dispatched, skipping",
			slog.String("status", string(record.Status)),
		)
		return nil
	}

	inputPath := domain.StagedInputPath(d.workDir, sub.UserID, sub.JobID, sub.InputFileName)
	jobDir := filepath.Dir(inputPath)

	// Concurrent deliveries of one submission can all read PENDING; only the
	// one that creates the job directory stages and launches.
	if err := claimDir(jobDir); err != nil {
		if errors.Is(err, fs.ErrExist) {
			logger.Info("Job directory held by another delivery, skipping", slog.String("dir", jobDir))
			return fmt.Errorf("claim %s: %w", jobDir, domain.ErrConditionFailed)
		}
		return domain.Transient("claim "+jobDir, err)
	}

	input := domain.Location{Bucket: sub.InputsBucket, Key: sub.InputKey}
	if err := blob.DownloadFile(ctx, d.objects, input, inputPath); err != nil {
		os.RemoveAll(jobDir)
		return fmt.Errorf("stage input %s: %w", input, err)
	}

	logger.Info("Input staged", slog.String("path", inputPath))

	if err := d.launcher.Launch(ctx, Launch{JobID: sub.JobID, UserID: sub.UserID, InputPath: inputPath}); err != nil {
		os.RemoveAll(jobDir)
		logger.Error("Failed to launch annotation run, job stays PENDING", slog.Any("error", err))
		return domain.Permanent("launch", err)
	}

	_, err = d.store.ConditionalUpdate(ctx, sub.JobID,
		domain.Update{Status: domain.Ptr(domain.StatusRunning)},
		domain.Expect{Status: domain.StatusPending},
	)
	switch {
	case err == nil:
		logger.Info("Job dispatched")
		return nil
	case errors.Is(err, domain.ErrConditionFailed):
		return err
	default:
		logger.Error("Failed to mark job RUNNING after launch, job stays PENDING", slog.Any("error", err))
		return domain.Permanent("mark running", err)
	}
}

// claimDir creates dir, failing with fs.ErrExist when it is already there
func claimDir(dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}
	return os.Mkdir(dir, 0o755)
}
