package models_test

import (
	"encoding/json"
	"testing"

	"github.com/kiranshivaraju/atsgateway/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPayload() *models.ScoringPayload {
	p := models.NewScoringPayload(models.FileBlob{
		Filename:    "cv.pdf",
		ContentType: "application/pdf",
		Data:        []byte("%PDF-1.4 resume"),
	})
	p.JDText = "Senior Go engineer with Redis experience"
	p.Metadata.CandidateEmail = "jane@example.com"
	return p
}

func TestValidate_Valid(t *testing.T) {
	assert.NoError(t, validPayload().Validate())
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *models.ScoringPayload)
	}{
		{"unknown kind", func(p *models.ScoringPayload) { p.Kind = "other" }},
		{"unknown version", func(p *models.ScoringPayload) { p.Version = 2 }},
		{"empty resume", func(p *models.ScoringPayload) { p.Resume.Data = nil }},
		{"no jd", func(p *models.ScoringPayload) { p.JDText = "" }},
		{"short jd text", func(p *models.ScoringPayload) { p.JDText = "too short" }},
		{"both jd and jd text", func(p *models.ScoringPayload) {
			p.JD = &models.FileBlob{Filename: "jd.txt", Data: []byte("job")}
		}},
		{"empty jd file", func(p *models.ScoringPayload) {
			p.JDText = ""
			p.JD = &models.FileBlob{Filename: "jd.txt"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPayload()
			tt.mutate(p)
			assert.ErrorIs(t, p.Validate(), models.ErrInvalidPayload)
		})
	}
}

func TestValidate_JDTextCountsCharacters(t *testing.T) {
	p := validPayload()
	p.JDText = "ééééééééé" // 9 characters, 18 bytes
	assert.ErrorIs(t, p.Validate(), models.ErrInvalidPayload)

	p.JDText = "éééééééééé"
	assert.NoError(t, p.Validate())
}

func TestEncodeDecode(t *testing.T) {
	p := validPayload()
	p.Locators.Resume = "uploads/resumes/1700000000000-cv.pdf"

	raw, err := models.EncodePayload(p)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	resume := wire["resume"].(map[string]any)
	assert.Equal(t, "JVBERi0xLjQgcmVzdW1l", resume["data"], "data is base64 encoded")

	got, err := models.DecodePayload(raw)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestEncodePayload_InvalidNotEncoded(t *testing.T) {
	p := validPayload()
	p.JDText = ""
	_, err := models.EncodePayload(p)
	assert.ErrorIs(t, err, models.ErrInvalidPayload)
}

func TestDecodePayload_BufferWrapper(t *testing.T) {
	raw := `{
		"kind": "ats.scoring",
		"version": 1,
		"resume": {"filename": "cv.txt", "content_type": "text/plain", "data": {"type": "Buffer", "data": [104, 105]}},
		"jd_text": "Backend engineer, Go and Postgres",
		"metadata": {},
		"locators": {}
	}`

	p, err := models.DecodePayload([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), p.Resume.Data)
}

func TestDecodePayload_RejectsUnknownShapes(t *testing.T) {
	tests := map[string]string{
		"number data":      `{"kind":"ats.scoring","version":1,"resume":{"filename":"a.txt","data":42},"jd_text":"0123456789"}`,
		"wrong wrapper":    `{"kind":"ats.scoring","version":1,"resume":{"filename":"a.txt","data":{"type":"Blob","data":[1]}},"jd_text":"0123456789"}`,
		"byte overflow":    `{"kind":"ats.scoring","version":1,"resume":{"filename":"a.txt","data":{"type":"Buffer","data":[256]}},"jd_text":"0123456789"}`,
		"bad base64":       `{"kind":"ats.scoring","version":1,"resume":{"filename":"a.txt","data":"!!!"},"jd_text":"0123456789"}`,
		"unknown field":    `{"kind":"ats.scoring","version":1,"resume":{"filename":"a.txt","data":"aGk="},"jd_text":"0123456789","extra":true}`,
		"untagged payload": `{"resume":{"filename":"a.txt","data":"aGk="},"jd_text":"0123456789"}`,
		"not json":         `resume=cv.pdf`,
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := models.DecodePayload([]byte(raw))
			assert.ErrorIs(t, err, models.ErrInvalidPayload)
		})
	}
}

func TestMetadataFields_SkipsEmpty(t *testing.T) {
	m := models.Metadata{CandidateName: "Jane", JobTitle: " ", TargetSeniority: "senior"}
	assert.Equal(t, [][2]string{
		{"candidate_name", "Jane"},
		{"target_seniority", "senior"},
	}, m.Fields())
}
