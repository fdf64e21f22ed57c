// Package restore brings archived results back to hot storage after a user
// upgrades. Restorer starts cold storage retrievals, Thawer finishes them.
package restore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/gas-pipeline/internal/blob"
	"github.com/cuongbtq/gas-pipeline/internal/domain"
	"github.com/cuongbtq/gas-pipeline/internal/jobstore"
	"github.com/cuongbtq/gas-pipeline/internal/queue"
)

// JobStore is the part of the record store the restore workers use
type JobStore interface {
	Get(ctx context.Context, jobID string) (*domain.JobRecord, error)
	ListByUser(ctx context.Context, userID string, filter jobstore.ListFilter) ([]domain.JobRecord, error)
	ConditionalUpdate(ctx context.Context, jobID string, u domain.Update, e domain.Expect) (*domain.JobRecord, error)
}

// Invalidator drops cached entitlement of a user
type Invalidator interface {
	Invalidate(userID string)
}

// DefaultTiers is the retrieval tier order: fastest first, then the tier
// that is not capacity limited.
var DefaultTiers = []string{blob.TierExpedited, blob.TierStandard}

// RestorerConfig holds restorer configuration
type RestorerConfig struct {
	Store JobStore
	Vault blob.Vault

	// Profiles is optional. When set, the user's cached tier is dropped so
	// the next lookup in this process reads the directory.
	Profiles Invalidator
	Logger   *slog.Logger

	Tiers []string
	// SNSTopic receives the retrieval-completed notification
	SNSTopic string
}

// Restorer handles upgrade messages
type Restorer struct {
	cfg    RestorerConfig
	logger *slog.Logger
}

// NewRestorer creates a Restorer
func NewRestorer(cfg RestorerConfig) *Restorer {
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers
	}
	return &Restorer{cfg: cfg, logger: cfg.Logger}
}

// Handle walks the user's completed jobs. Pending archive requests are
// cancelled and archived results get a retrieval job. The message is
// released when any job hit a transient failure; jobs already handled are
// skipped on redelivery by their archive state.
func (r *Restorer) Handle(ctx context.Context, msg *queue.Message) error {
	var upgrade domain.RestoreMessage
	if err := queue.Decode(msg.Body, &upgrade); err != nil {
		return domain.Permanent("decode restore message", err)
	}
	if err := upgrade.Validate(); err != nil {
		return domain.Permanent("validate restore message", err)
	}

	if r.cfg.Profiles != nil {
		r.cfg.Profiles.Invalidate(upgrade.UserID)
	}

	logger := r.logger.With(slog.String("user_id", upgrade.UserID))

	records, err := r.cfg.Store.ListByUser(ctx, upgrade.UserID, jobstore.ListFilter{Status: domain.StatusCompleted})
	if err != nil {
		return err
	}

	var (
		errs      []error
		restoring int
		cancelled int
	)
	for i := range records {
		record := &records[i]

		switch record.ArchiveState {
		case domain.ArchiveRequested:
			err = r.cancel(ctx, record)
			if err == nil {
				cancelled++
			}
		case domain.ArchiveArchived:
			err = r.restore(ctx, record)
			if err == nil {
				restoring++
			}
		default:
			continue
		}

		switch {
		case err == nil:
		case errors.Is(err, domain.ErrConditionFailed):
			logger.Info("Job changed concurrently, skipping", slog.String("job_id", record.JobID))
		default:
			logger.Error("Failed to restore job",
				slog.String("job_id", record.JobID),
				slog.Any("error", err),
			)
			errs = append(errs, err)
		}
	}

	logger.Info("Upgrade processed",
		slog.Int("jobs", len(records)),
		slog.Int("restoring", restoring),
		slog.Int("cancelled", cancelled),
		slog.Int("failed", len(errs)),
	)

	if len(errs) == 0 {
		return nil
	}
	joined := errors.Join(errs...)
	for _, err := range errs {
		if domain.KindOf(err) == domain.KindTransient {
			return domain.Transient("restore user "+upgrade.UserID, joined)
		}
	}
	return domain.Permanent("restore user "+upgrade.UserID, joined)
}

func (r *Restorer) cancel(ctx context.Context, record *domain.JobRecord) error {
	_, err := r.cfg.Store.ConditionalUpdate(ctx, record.JobID, domain.Update{
		ArchiveState:  domain.Ptr(domain.ArchiveNone),
		ResultPresent: domain.Ptr(true),
	}, domain.Expect{Status: domain.StatusCompleted, ArchiveState: domain.ArchiveRequested})
	return err
}

func (r *Restorer) restore(ctx context.Context, record *domain.JobRecord) error {
	description, err := domain.RetrievalDescription{
		JobID:     record.JobID,
		ResultKey: record.Result.Key,
		ArchiveID: record.ArchiveHandle,
	}.Encode()
	if err != nil {
		return domain.Permanent("restore "+record.JobID, err)
	}

	retrievalID, tier, err := r.initiate(ctx, blob.RetrievalRequest{
		ArchiveID:   record.ArchiveHandle,
		Description: description,
		SNSTopic:    r.cfg.SNSTopic,
	})
	if err != nil {
		return fmt.Errorf("initiate retrieval for %s: %w", record.JobID, err)
	}

	// The retrieval id replaces the archive id as handle; the description
	// carries the archive id to the thaw step.
	_, err = r.cfg.Store.ConditionalUpdate(ctx, record.JobID, domain.Update{
		ArchiveState:  domain.Ptr(domain.ArchiveRestoreRequested),
		ArchiveHandle: domain.Ptr(retrievalID),
		ResultPresent: domain.Ptr(false),
	}, domain.Expect{Status: domain.StatusCompleted, ArchiveState: domain.ArchiveArchived})
	if err != nil {
		return err
	}

	r.logger.Info("Retrieval initiated",
		slog.String("job_id", record.JobID),
		slog.String("retrieval_job_id", retrievalID),
		slog.String("tier", tier),
	)
	return nil
}

// initiate tries each tier in order while the vault reports no capacity
func (r *Restorer) initiate(ctx context.Context, req blob.RetrievalRequest) (string, string, error) {
	var err error
	for _, tier := range r.cfg.Tiers {
		req.Tier = tier
		var id string
		id, err = r.cfg.Vault.InitiateRetrieval(ctx, req)
		if err == nil {
			return id, tier, nil
		}
		if !errors.Is(err, domain.ErrInsufficientCapacity) {
			return "", tier, err
		}
		r.logger.Warn("Retrieval tier has no capacity, falling back",
			slog.String("archive_id", req.ArchiveID),
			slog.String("tier", tier),
		)
	}
	return "", "", err
}
