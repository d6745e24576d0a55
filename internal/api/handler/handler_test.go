package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/atsgateway/pkg/models"
)

// --- Mock Enqueuer ---

type mockEnqueuer struct {
	payloads []*models.ScoringPayload
	err      error
}

func (m *mockEnqueuer) Enqueue(_ context.Context, p *models.ScoringPayload) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.payloads = append(m.payloads, p)
	return fmt.Sprintf("job-%d", len(m.payloads)), nil
}

// --- Mock BlobWriter ---

type mockBlobs struct {
	puts    map[string]models.FileBlob
	deleted []string
	putErr  map[string]error
}

func newMockBlobs() *mockBlobs {
	return &mockBlobs{puts: map[string]models.FileBlob{}, putErr: map[string]error{}}
}

func (m *mockBlobs) Put(_ context.Context, prefix string, b models.FileBlob) (string, error) {
	if err := m.putErr[prefix]; err != nil {
		return "", err
	}
	loc := "uploads/" + prefix + "/" + b.Filename
	m.puts[loc] = b
	return loc, nil
}

func (m *mockBlobs) Delete(_ context.Context, locator string) error {
	m.deleted = append(m.deleted, locator)
	return nil
}

// --- helpers ---

type filePart struct {
	field       string
	filename    string
	contentType string
	data        []byte
}

func pdf(field, name string) filePart {
	return filePart{field: field, filename: name, contentType: "application/pdf", data: []byte("%PDF-1.4 test")}
}

func multipartRequest(t *testing.T, fields map[string]string, files ...filePart) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, f.field, f.filename))
		h.Set("Content-Type", f.contentType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ats/score", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

var errBoom = errors.New("boom")
