// Package scoring calls the external ML service that scores a resume against a job description.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/atsgateway/pkg/models"
)

// Sentinel errors for scorer failures.
var (
	ErrScorerUnavailable = errors.New("scorer unavailable")
	ErrScorerTimeout     = errors.New("scorer timeout")
	ErrScorerRejected    = errors.New("scorer rejected request")
	ErrInvalidResponse   = errors.New("invalid scorer response")
)

const (
	analyzePath = "/api/v1/scoring/analyze"
	healthPath  = "/api/v1/scoring/health"

	// IdempotencyHeader carries the job ID so the scorer can drop duplicate deliveries.
	IdempotencyHeader = "Idempotency-Key"

	maxResponseBytes = 10 << 20
	maxErrorSnippet  = 200
)

// Scorer is the interface the worker depends on.
type Scorer interface {
	Score(ctx context.Context, jobID string, payload *models.ScoringPayload) (json.RawMessage, error)
	Ready(ctx context.Context) error
}

// HTTPClient implements Scorer over the ML service's multipart HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a scorer client. timeout bounds every call.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Score posts the resume, the job description and the candidate metadata and
// returns the scorer's JSON body unchanged.
func (c *HTTPClient) Score(ctx context.Context, jobID string, payload *models.ScoringPayload) (json.RawMessage, error) {
	body, contentType, err := buildForm(payload)
	if err != nil {
		return nil, fmt.Errorf("building form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+analyzePath, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if jobID != "" {
		req.Header.Set(IdempotencyHeader, jobID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, raw)
	}

	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: body is not JSON (%s)", ErrInvalidResponse, snippet(raw))
	}
	return json.RawMessage(raw), nil
}

// Ready probes the scorer's health endpoint.
func (c *HTTPClient) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrScorerUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: scorer not ready (status %d)", ErrScorerUnavailable, resp.StatusCode)
	}
	return nil
}

// IsRetryable reports whether a failed call may succeed on another attempt.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrScorerRejected):
		return false
	case errors.Is(err, ErrScorerUnavailable),
		errors.Is(err, ErrScorerTimeout),
		errors.Is(err, ErrInvalidResponse):
		return true
	}
	return false
}

func buildForm(p *models.ScoringPayload) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := writeFile(w, "resume", p.Resume); err != nil {
		return nil, "", err
	}
	if p.JD != nil {
		if err := writeFile(w, "jd_file", *p.JD); err != nil {
			return nil, "", err
		}
	}
	if p.JDText != "" {
		if err := w.WriteField("jd_text", p.JDText); err != nil {
			return nil, "", err
		}
	}
	for _, f := range p.Metadata.Fields() {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// writeFile adds a file part that keeps the original filename and MIME type.
func writeFile(w *multipart.Writer, field string, blob models.FileBlob) error {
	contentType := blob.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, blob.Filename))
	h.Set("Content-Type", contentType)

	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = part.Write(blob.Data)
	return err
}

// statusError maps a non-2xx status to a sentinel. 408, 429 and 5xx are
// transient; any other 4xx means the request itself is bad.
func statusError(status int, body []byte) error {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrScorerUnavailable, status, snippet(body))
	case status >= 400:
		return fmt.Errorf("%w: status %d: %s", ErrScorerRejected, status, snippet(body))
	}
	return fmt.Errorf("%w: unexpected status %d", ErrInvalidResponse, status)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrScorerTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrScorerTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrScorerUnavailable, err)
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorSnippet {
		n := maxErrorSnippet
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n] + "..."
	}
	return s
}
