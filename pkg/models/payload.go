// Package models contains the data shared between the intake API, the queue
// backends and the scoring worker.
package models

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	PayloadKind    = "ats.scoring"
	PayloadVersion = 1

	// MinJDTextLength is the minimum number of characters of pasted job description text.
	MinJDTextLength = 10
)

// ErrInvalidPayload is returned when a queue payload does not match the scoring schema.
var ErrInvalidPayload = errors.New("invalid scoring payload")

// FileBlob is an uploaded file carried inside the queue payload.
//
// Data is encoded as a base64 string. Decoding also accepts the serialized
// byte-array wrapper {"type":"Buffer","data":[...]} written by older producers,
// and rejects every other shape.
type FileBlob struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

func (b *FileBlob) UnmarshalJSON(raw []byte) error {
	var wire struct {
		Filename    string          `json:"filename"`
		ContentType string          `json:"content_type"`
		Data        json.RawMessage `json:"data"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return fmt.Errorf("%w: file blob: %v", ErrInvalidPayload, err)
	}

	data, err := decodeBlobData(wire.Data)
	if err != nil {
		return err
	}

	b.Filename = wire.Filename
	b.ContentType = wire.ContentType
	b.Data = data
	return nil
}

func decodeBlobData(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: blob data: %v", ErrInvalidPayload, err)
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: blob data is not base64: %v", ErrInvalidPayload, err)
		}
		return data, nil

	case '{':
		var wrapper struct {
			Type string `json:"type"`
			Data []int  `json:"data"`
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&wrapper); err != nil {
			return nil, fmt.Errorf("%w: blob wrapper: %v", ErrInvalidPayload, err)
		}
		if wrapper.Type != "Buffer" {
			return nil, fmt.Errorf("%w: unknown blob wrapper type %q", ErrInvalidPayload, wrapper.Type)
		}
		data := make([]byte, len(wrapper.Data))
		for i, v := range wrapper.Data {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("%w: blob wrapper byte %d out of range", ErrInvalidPayload, v)
			}
			data[i] = byte(v)
		}
		return data, nil
	}

	return nil, fmt.Errorf("%w: unsupported blob data encoding", ErrInvalidPayload)
}

// Metadata holds the optional candidate fields forwarded to the scorer.
type Metadata struct {
	CandidateName   string `json:"candidate_name,omitempty"   validate:"omitempty,max=200"`
	CandidateEmail  string `json:"candidate_email,omitempty"  validate:"omitempty,email"`
	JobTitle        string `json:"job_title,omitempty"        validate:"omitempty,max=200"`
	TargetSeniority string `json:"target_seniority,omitempty" validate:"omitempty,max=100"`
}

// Fields returns the non-empty metadata values as ordered (name, value) pairs.
func (m Metadata) Fields() [][2]string {
	all := [][2]string{
		{"candidate_name", m.CandidateName},
		{"candidate_email", m.CandidateEmail},
		{"job_title", m.JobTitle},
		{"target_seniority", m.TargetSeniority},
	}
	var out [][2]string
	for _, f := range all {
		if strings.TrimSpace(f[1]) != "" {
			out = append(out, f)
		}
	}
	return out
}

// Locators records where the intake API stored the uploaded files.
type Locators struct {
	Resume string `json:"resume,omitempty"`
	JD     string `json:"jd,omitempty"`
}

// ScoringPayload is the queue payload for one scoring job.
type ScoringPayload struct {
	Kind     string    `json:"kind"`
	Version  int       `json:"version"`
	Resume   FileBlob  `json:"resume"`
	JD       *FileBlob `json:"jd,omitempty"`
	JDText   string    `json:"jd_text,omitempty"`
	Metadata Metadata  `json:"metadata"`
	Locators Locators  `json:"locators"`
}

// NewScoringPayload returns a payload tagged with the current kind and version.
func NewScoringPayload(resume FileBlob) *ScoringPayload {
	return &ScoringPayload{
		Kind:    PayloadKind,
		Version: PayloadVersion,
		Resume:  resume,
	}
}

// Validate checks the payload invariants: a known kind/version, a non-empty
// resume, and exactly one of a JD file or JD text.
func (p *ScoringPayload) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: payload is nil", ErrInvalidPayload)
	}
	if p.Kind != PayloadKind {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, p.Kind)
	}
	if p.Version != PayloadVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidPayload, p.Version)
	}
	if p.Resume.Filename == "" || len(p.Resume.Data) == 0 {
		return fmt.Errorf("%w: resume file is required", ErrInvalidPayload)
	}

	hasFile := p.JD != nil
	hasText := p.JDText != ""
	switch {
	case !hasFile && !hasText:
		return fmt.Errorf("%w: either jd or jd_text is required", ErrInvalidPayload)
	case hasFile && hasText:
		return fmt.Errorf("%w: jd and jd_text are mutually exclusive", ErrInvalidPayload)
	case hasFile && (p.JD.Filename == "" || len(p.JD.Data) == 0):
		return fmt.Errorf("%w: jd file is empty", ErrInvalidPayload)
	case hasText && utf8.RuneCountInString(p.JDText) < MinJDTextLength:
		return fmt.Errorf("%w: jd_text must be at least %d characters", ErrInvalidPayload, MinJDTextLength)
	}
	return nil
}

// EncodePayload validates and serializes a payload for the queue.
func EncodePayload(p *ScoringPayload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// DecodePayload parses and validates a payload read back from the queue.
func DecodePayload(raw []byte) (*ScoringPayload, error) {
	var p ScoringPayload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
