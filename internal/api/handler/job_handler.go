package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tailorcv/pipeline/internal/api/dto"
	"github.com/tailorcv/pipeline/internal/job"
)

// createRetries bounds the fresh-identifier retry loop on a job_id
// collision. Collisions on random UUIDs are effectively impossible, so
// exhausting this is a storage problem, not an identifier problem.
const createRetries = 3

// SubmitJob handles POST /api/v1/jobs/:job_type
//
// The record is created before the message is published, so a worker
// that receives a message always finds a corresponding record. The
// payload itself goes only into the message, never into the store.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	jobType, err := job.ParseType(c.Param("job_type"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	creds, err := h.resolver.Resolve(
		c.GetHeader(dto.HeaderUserProvider),
		c.GetHeader(dto.HeaderUserAPIKey),
	)
	if err != nil {
		h.respondError(c, err)
		return
	}

	payload, err := h.readPayload(c, string(jobType))
	if err != nil {
		h.respondError(c, err)
		return
	}

	logger := h.logger.With(
		slog.String("job_type", string(jobType)),
		slog.Int("payload_size", len(payload)),
	)

	var rec *job.Job
	for attempt := 0; attempt < createRetries; attempt++ {
		rec, err = h.store.Create(c.Request.Context(), uuid.New().String(), jobType)
		if errors.Is(err, job.ErrConflict) {
			continue
		}
		break
	}
	if err != nil {
		logger.Error("Failed to create job record", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	msg := job.Message{
		JobID:   rec.JobID,
		Type:    jobType,
		Payload: payload,
	}
	if err := h.queue.Publish(c.Request.Context(), msg, creds.Attributes()); err != nil {
		logger.Error("Failed to publish job message",
			slog.String("job_id", rec.JobID),
			slog.Any("error", err),
		)
		// Fail the record so the pending status does not lie about a
		// message that was never enqueued.
		_ = h.store.MarkFailed(c.Request.Context(), rec.JobID, job.ErrorInfo{
			Kind:    job.KindProviderError,
			Message: "job could not be enqueued",
		})
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	logger.Info("Job accepted", slog.String("job_id", rec.JobID))

	c.JSON(http.StatusAccepted, dto.SubmitJobResponse{
		JobID:   rec.JobID,
		JobType: string(rec.Type),
		Status:  string(rec.Status),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Read-only status poll: cache first, store second, 404 when the record
// is missing or expired.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	if h.cache != nil {
		if rec, ok, err := h.cache.GetJob(c.Request.Context(), jobID); err == nil && ok {
			c.JSON(http.StatusOK, dto.NewJobStatusResponse(rec))
			return
		}
	}

	rec, err := h.store.Get(c.Request.Context(), jobID)
	if errors.Is(err, job.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	// Terminal snapshots only: a stale in-flight write from this read
	// path could land after the worker's terminal refresh and roll the
	// visible status backwards.
	if h.cache != nil && rec.Status.Terminal() {
		_ = h.cache.SetJob(c.Request.Context(), rec)
	}

	c.JSON(http.StatusOK, dto.NewJobStatusResponse(rec))
}

// readPayload reads the request body under the per-type size ceiling and
// normalizes it to JSON. Plain-text bodies are wrapped so downstream
// consumers always see a JSON value.
func (h *JobHandler) readPayload(c *gin.Context, jobType string) (json.RawMessage, error) {
	maxBytes := h.jobs.MaxBytesFor(jobType)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, int64(maxBytes)+1))
	if err != nil {
		return nil, job.NewValidationError("failed to read request body")
	}
	if len(body) == 0 {
		return nil, job.NewValidationError("payload is required")
	}
	if len(body) > maxBytes {
		return nil, job.NewValidationError("payload exceeds maximum size")
	}

	if json.Valid(body) {
		return body, nil
	}

	wrapped, err := json.Marshal(map[string]string{"text": string(body)})
	if err != nil {
		return nil, job.NewValidationError("failed to encode payload")
	}
	return wrapped, nil
}

// respondError maps submission errors onto status codes. Validation
// problems are the client's fault, a missing system key is ours.
func (h *JobHandler) respondError(c *gin.Context, err error) {
	var ve *job.ValidationError
	if errors.As(err, &ve) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": ve.Reason,
		})
		return
	}

	var ce *job.ConfigurationError
	if errors.As(err, &ce) {
		h.logger.Error("Submission rejected by configuration", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "service is not configured for system-managed credentials",
		})
		return
	}

	h.logger.Error("Submission failed", slog.Any("error", err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "internal error",
	})
}
