package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/gas-pipeline/internal/api/dto"
	"github.com/cuongbtq/gas-pipeline/internal/domain"
	"github.com/cuongbtq/gas-pipeline/internal/jobstore"
	"github.com/cuongbtq/gas-pipeline/internal/queue"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	// 1. Validate job_id format (UUID)
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Warn("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	// 2. Query job from the record store
	job, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	// 3. Return job details
	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists a user's jobs newest first with optional filtering and pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	// 1. Parse query parameters (user_id, status, archive_state, page_size, cursor)
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Warn("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	// 2. Validate parameters
	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}

	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	status := domain.Status(req.Status)
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status",
		})
		return
	}

	archiveState := domain.ArchiveState(req.ArchiveState)
	if archiveState != "" && !archiveState.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid archive_state",
		})
		return
	}

	// 3. Decode cursor for pagination
	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Warn("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	// 4. Query the user's jobs
	jobs, err := h.store.ListByUser(c.Request.Context(), req.UserID, jobstore.ListFilter{
		Status:       status,
		ArchiveState: archiveState,
		PageSize:     req.PageSize,
		Cursor:       cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("user_id", req.UserID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	// 5. Prepare response with next cursor if more results exist
	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&jobstore.Cursor{
			SubmitTime: lastJob.SubmitTime,
			JobID:      lastJob.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// RequestRestore handles POST /api/v1/users/:user_id/restore
// Publishes an upgrade event so the user's archived results are restored
func (h *JobHandler) RequestRestore(c *gin.Context) {
	userID := c.Param("user_id")

	if h.publisher == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "Restore requests are not enabled",
		})
		return
	}

	msg := domain.RestoreMessage{UserID: userID}
	if err := msg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "user_id is required",
		})
		return
	}

	if err := queue.PublishJSON(c.Request.Context(), h.publisher, h.restoreDestination, msg); err != nil {
		h.logger.Error("Failed to publish restore request", slog.String("user_id", userID), slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to request restore",
		})
		return
	}

	h.logger.Info("Restore requested", slog.String("user_id", userID))

	c.JSON(http.StatusAccepted, dto.RestoreResponse{
		UserID: userID,
		Status: "accepted",
	})
}

func toJobDTO(job *domain.JobRecord) dto.JobDTO {
	out := dto.JobDTO{
		JobID:         job.JobID,
		UserID:        job.UserID,
		Status:        string(job.Status),
		InputFileName: job.InputFileName,
		Input:         dto.LocationDTO{Bucket: job.Input.Bucket, Key: job.Input.Key},
		SubmitTime:    formatEpoch(job.SubmitTime),
		ArchiveState:  string(job.ArchiveState),
		ResultPresent: job.ResultPresent,
		UpdatedAt:     formatEpoch(job.UpdatedAt),
	}
	if job.CompleteTime > 0 {
		out.CompleteTime = formatEpoch(job.CompleteTime)
	}
	if !job.Result.IsZero() {
		out.Result = &dto.LocationDTO{Bucket: job.Result.Bucket, Key: job.Result.Key}
	}
	if !job.Log.IsZero() {
		out.Log = &dto.LocationDTO{Bucket: job.Log.Bucket, Key: job.Log.Key}
	}
	return out
}

func formatEpoch(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}
