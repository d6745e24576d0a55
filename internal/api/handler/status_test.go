package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/atsgateway/internal/api/handler"
	"github.com/kiranshivaraju/atsgateway/internal/queue"
	"github.com/kiranshivaraju/atsgateway/pkg/models"
)

type failingReader struct{}

func (failingReader) Get(context.Context, string) (*models.Job, error) { return nil, errBoom }

func statusRouter(jobs handler.JobReader) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/v1/ats/score/{requestID}", handler.NewStatusHandler(jobs))
	return r
}

func getStatus(t *testing.T, h http.Handler, id string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ats/score/"+id, nil))
	return w, decodeBody(t, w)
}

func enqueue(t *testing.T, q *queue.MemoryQueue) string {
	t.Helper()
	p := models.NewScoringPayload(models.FileBlob{Filename: "cv.pdf", ContentType: "application/pdf", Data: []byte("%PDF")})
	p.JDText = jdText
	id, err := q.Enqueue(context.Background(), p)
	require.NoError(t, err)
	return id
}

func TestStatus_Pending(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultPolicy())
	id := enqueue(t, q)

	w, body := getStatus(t, statusRouter(q), id)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, body["request_id"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "Job is still being processed", body["message"])
	assert.NotContains(t, body, "result")
}

func TestStatus_ProcessingHidesRetryError(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.DefaultPolicy())
	id := enqueue(t, q)
	lease, err := q.Claim(ctx)
	require.NoError(t, err)
	_, err = q.Fail(ctx, lease, "scorer timeout", true)
	require.NoError(t, err)

	w, body := getStatus(t, statusRouter(q), id)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "processing", body["status"])
	assert.NotContains(t, body, "error")
}

func TestStatus_CompletedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.DefaultPolicy())
	id := enqueue(t, q)
	lease, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, lease, json.RawMessage(`{"overall_score":87}`)))

	h := statusRouter(q)
	first, body := getStatus(t, h, id)
	second, _ := getStatus(t, h, id)

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, map[string]any{"overall_score": float64(87)}, body["result"])
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestStatus_Failed(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue(queue.DefaultPolicy())
	id := enqueue(t, q)
	lease, err := q.Claim(ctx)
	require.NoError(t, err)
	_, err = q.Fail(ctx, lease, "scorer rejected request: status 422", false)
	require.NoError(t, err)

	w, body := getStatus(t, statusRouter(q), id)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "scorer rejected request: status 422", body["error"])
	assert.Equal(t, float64(1), body["attempts"])
}

func TestStatus_UnknownID(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultPolicy())

	w, body := getStatus(t, statusRouter(q), "unknown-id")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Job not found", body["error"])
}

func TestStatus_MalformedID(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultPolicy())

	for _, id := range []string{"bad.id", "has%20space", strings.Repeat("a", 129)} {
		w, body := getStatus(t, statusRouter(q), id)
		assert.Equal(t, http.StatusBadRequest, w.Code, id)
		assert.Equal(t, "Invalid request ID", body["error"])
	}
}

func TestStatus_StoreError(t *testing.T) {
	w, body := getStatus(t, statusRouter(failingReader{}), "abc")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Internal server error", body["error"])
}

func TestMissingRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	handler.MissingRequestID(w, httptest.NewRequest(http.MethodGet, "/api/v1/ats/score/", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Request ID is required", decodeBody(t, w)["error"])
}
