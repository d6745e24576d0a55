package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/atsgateway/internal/api/response"
	"github.com/kiranshivaraju/atsgateway/internal/queue"
	"github.com/kiranshivaraju/atsgateway/pkg/models"
)

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// JobReader is the read side of the job queue.
type JobReader interface {
	Get(ctx context.Context, id string) (*models.Job, error)
}

type statusResponse struct {
	RequestID string           `json:"request_id"`
	Status    models.JobStatus `json:"status"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Message   string           `json:"message,omitempty"`
	Error     string           `json:"error,omitempty"`
	Attempts  int              `json:"attempts,omitempty"`
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/ats/score/{requestID}.
// Reads have no side effects on the job.
func NewStatusHandler(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "requestID")
		if id == "" {
			response.Error(w, http.StatusBadRequest, "Request ID is required", nil)
			return
		}
		if !requestIDPattern.MatchString(id) {
			response.Error(w, http.StatusBadRequest, "Invalid request ID", nil)
			return
		}

		job, err := jobs.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "Job not found", nil)
				return
			}
			slog.Error("failed to load job", "job_id", id, "error", err)
			response.Error(w, http.StatusInternalServerError, "Internal server error", nil)
			return
		}

		resp := statusResponse{RequestID: job.ID, Status: job.Status}
		switch {
		case !job.Status.Terminal():
			resp.Message = "Job is still being processed"
		case job.Status == models.JobStatusCompleted:
			resp.Result = job.Result
		default:
			resp.Error = job.Error
			resp.Attempts = job.Attempts
		}
		response.JSON(w, http.StatusOK, resp)
	}
}

// MissingRequestID answers GET /api/v1/ats/score/ with no id segment.
func MissingRequestID(w http.ResponseWriter, _ *http.Request) {
	response.Error(w, http.StatusBadRequest, "Request ID is required", nil)
}
