package restore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/cuongbtq/gas-pipeline/internal/blob"
	"github.com/cuongbtq/gas-pipeline/internal/domain"
	"github.com/cuongbtq/gas-pipeline/internal/queue"
)

// Thawer handles retrieval-completed notifications
type Thawer struct {
	store   JobStore
	objects blob.ObjectStore
	vault   blob.Vault
	bucket  string
	logger  *slog.Logger
}

// NewThawer creates a Thawer. bucket is used when a record carries no
// result location of its own.
func NewThawer(store JobStore, objects blob.ObjectStore, vault blob.Vault, bucket string, logger *slog.Logger) *Thawer {
	return &Thawer{
		store:   store,
		objects: objects,
		vault:   vault,
		bucket:  bucket,
		logger:  logger,
	}
}

// Handle copies the thawed bytes back to the result's hot key, marks the
// result present and deletes the archive.
func (t *Thawer) Handle(ctx context.Context, msg *queue.Message) error {
	var thawed domain.ThawMessage
	if err := queue.Decode(msg.Body, &thawed); err != nil {
		return domain.Permanent("decode thaw message", err)
	}
	if err := thawed.Validate(); err != nil {
		return domain.Permanent("validate thaw message", err)
	}

	jobID := thawed.Description.JobID
	logger := t.logger.With(
		slog.String("job_id", jobID),
		slog.String("retrieval_job_id", thawed.RetrievalJobID),
	)

	record, err := t.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if record.ArchiveState != domain.ArchiveRestoreRequested || record.ArchiveHandle != thawed.RetrievalJobID {
		logger.Info("Retrieval does not match a pending restore, skipping",
			slog.String("archive_state", string(record.ArchiveState)),
		)
		return nil
	}

	target := record.Result
	if target.Key == "" {
		target = domain.Location{Bucket: t.bucket, Key: thawed.Description.ResultKey}
	}

	data, err := t.retrievalOutput(ctx, thawed.RetrievalJobID)
	if err != nil {
		return err
	}
	if err := t.objects.Put(ctx, target, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("restore result %s: %w", target, err)
	}

	logger.Info("Result copied back to hot storage",
		slog.String("key", target.Key),
		slog.Int("bytes", len(data)),
	)

	_, err = t.store.ConditionalUpdate(ctx, jobID, domain.Update{
		ArchiveState:  domain.Ptr(domain.ArchiveNone),
		ArchiveHandle: domain.Ptr(""),
		ResultPresent: domain.Ptr(true),
	}, domain.Expect{Status: domain.StatusCompleted, ArchiveState: domain.ArchiveRestoreRequested})
	if err != nil {
		return err
	}

	archiveID := thawed.Description.ArchiveID
	if archiveID == "" {
		archiveID = thawed.ArchiveID
	}
	if archiveID != "" {
		if err := t.vault.Delete(ctx, archiveID); err != nil {
			logger.Warn("Failed to delete restored archive",
				slog.String("archive_id", archiveID),
				slog.Any("error", err),
			)
		}
	}

	logger.Info("Job result restored")
	return nil
}

func (t *Thawer) retrievalOutput(ctx context.Context, retrievalJobID string) ([]byte, error) {
	body, err := t.vault.RetrievalOutput(ctx, retrievalJobID)
	if err != nil {
		return nil, fmt.Errorf("get retrieval output %s: %w", retrievalJobID, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, domain.Transient("read retrieval output "+retrievalJobID, err)
	}
	return data, nil
}
