package handler

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuongbtq/gas-pipeline/internal/domain"
	"github.com/cuongbtq/gas-pipeline/internal/jobstore"
	"github.com/cuongbtq/gas-pipeline/internal/metrics"
	"github.com/cuongbtq/gas-pipeline/internal/queue"
)

// JobReader is the read side of the job record store
type JobReader interface {
	Get(ctx context.Context, jobID string) (*domain.JobRecord, error)
	ListByUser(ctx context.Context, userID string, filter jobstore.ListFilter) ([]domain.JobRecord, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	ServiceName string
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer

	// HealthCheck, when set, turns /health into a readiness probe
	HealthCheck func(ctx context.Context) error

	// Store enables the job query routes
	Store JobReader

	// Publisher and RestoreDestination enable the restore trigger endpoint
	Publisher          queue.Publisher
	RestoreDestination string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger             *slog.Logger
	store              JobReader
	publisher          queue.Publisher
	restoreDestination string
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:             deps.Logger,
		store:              deps.Store,
		publisher:          deps.Publisher,
		restoreDestination: deps.RestoreDestination,
	}
}
