// Package archive moves results of free users from hot to cold storage once
// their retention window has passed.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/gas-pipeline/internal/blob"
	"github.com/cuongbtq/gas-pipeline/internal/domain"
	"github.com/cuongbtq/gas-pipeline/internal/profile"
	"github.com/cuongbtq/gas-pipeline/internal/queue"
)

// JobStore is the part of the record store the archive manager uses
type JobStore interface {
	Get(ctx context.Context, jobID string) (*domain.JobRecord, error)
	ConditionalUpdate(ctx context.Context, jobID string, u domain.Update, e domain.Expect) (*domain.JobRecord, error)
}

var requested = domain.Expect{Status: domain.StatusCompleted, ArchiveState: domain.ArchiveRequested}

// Manager handles archive-eligible messages
type Manager struct {
	store     JobStore
	objects   blob.ObjectStore
	vault     blob.Vault
	directory profile.Directory
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Manager
func New(store JobStore, objects blob.ObjectStore, vault blob.Vault, directory profile.Directory, logger *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		objects:   objects,
		vault:     vault,
		directory: directory,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle archives the job's result when its window has passed, or defers
// the message until it does.
func (m *Manager) Handle(ctx context.Context, msg *queue.Message) error {
	var eligible domain.ArchiveMessage
	if err := queue.Decode(msg.Body, &eligible); err != nil {
		return domain.Permanent("decode archive message", err)
	}
	if err := eligible.Validate(); err != nil {
		return domain.Permanent("validate archive message", err)
	}

	if until := time.Unix(eligible.ArchiveAfter, 0); m.now().Before(until) {
		return queue.Defer(until)
	}

	logger := m.logger.With(slog.String("job_id", eligible.JobID))

	record, err := m.store.Get(ctx, eligible.JobID)
	if err != nil {
		return err
	}
	if record.Status != domain.StatusCompleted || record.ArchiveState != domain.ArchiveRequested {
		logger.Info("Archive request already handled",
			slog.String("status", string(record.Status)),
			slog.String("archive_state", string(record.ArchiveState)),
		)
		return nil
	}

	tier, err := m.directory.Tier(ctx, record.UserID)
	if err != nil {
		return err
	}
	if tier.Premium() {
		return m.cancel(ctx, record, logger)
	}

	return m.archive(ctx, record, logger)
}

// cancel keeps the result hot for a user who became premium
func (m *Manager) cancel(ctx context.Context, record *domain.JobRecord, logger *slog.Logger) error {
	_, err := m.store.ConditionalUpdate(ctx, record.JobID, domain.Update{
		ArchiveState:  domain.Ptr(domain.ArchiveNone),
		ResultPresent: domain.Ptr(true),
	}, requested)
	if err != nil {
		return err
	}
	logger.Info("User is premium, archive request cancelled", slog.String("user_id", record.UserID))
	return nil
}

func (m *Manager) archive(ctx context.Context, record *domain.JobRecord, logger *slog.Logger) error {
	data, err := blob.ReadAll(ctx, m.objects, record.Result)
	if err != nil {
		return fmt.Errorf("read result %s: %w", record.Result, err)
	}

	archiveID, err := m.vault.Archive(ctx, bytes.NewReader(data), record.JobID)
	if err != nil {
		return fmt.Errorf("archive result of %s: %w", record.JobID, err)
	}

	logger = logger.With(slog.String("archive_id", archiveID))
	logger.Info("Result written to cold storage", slog.Int("bytes", len(data)))

	_, err = m.store.ConditionalUpdate(ctx, record.JobID, domain.Update{
		ArchiveState:  domain.Ptr(domain.ArchiveArchived),
		ArchiveHandle: domain.Ptr(archiveID),
		ResultPresent: domain.Ptr(false),
	}, requested)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrConditionFailed):
		logger.Info("Job changed while archiving, discarding archive")
		m.discard(ctx, archiveID, logger)
		return err
	default:
		// The archive exists but the record does not point at it.
		logger.Error("Reconciliation gap: archive written but job record not updated",
			slog.Any("error", err),
		)
		m.discard(ctx, archiveID, logger)
		return domain.Transient("mark archived", err)
	}

	if err := m.objects.Delete(ctx, record.Result); err != nil {
		logger.Warn("Failed to delete hot copy after archiving",
			slog.String("key", record.Result.Key),
			slog.Any("error", err),
		)
		return nil
	}

	logger.Info("Job result archived")
	return nil
}

func (m *Manager) discard(ctx context.Context, archiveID string, logger *slog.Logger) {
	if err := m.vault.Delete(ctx, archiveID); err != nil {
		logger.Error("Failed to delete orphaned archive", slog.Any("error", err))
	}
}
