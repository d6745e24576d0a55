package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kiranshivaraju/atsgateway/internal/api/response"
	"github.com/kiranshivaraju/atsgateway/internal/upload"
	"github.com/kiranshivaraju/atsgateway/pkg/models"
)

const (
	resumePrefix = "resumes"
	jdPrefix     = "job-descriptions"

	// formMemory is how much of a multipart body is kept in memory before
	// spilling file parts to disk.
	formMemory = 8 << 20
)

// Enqueuer accepts scoring jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload *models.ScoringPayload) (string, error)
}

// BlobWriter stores uploaded files. Delete is used to undo a Put when the job
// cannot be queued.
type BlobWriter interface {
	Put(ctx context.Context, prefix string, blob models.FileBlob) (string, error)
	Delete(ctx context.Context, locator string) error
}

// scoreForm is the non-file part of an intake request.
type scoreForm struct {
	models.Metadata
	JDText string `json:"jd_text" validate:"omitempty,min=10"`
}

type scoreAccepted struct {
	RequestID string           `json:"request_id"`
	Status    models.JobStatus `json:"status"`
	Message   string           `json:"message"`
}

// NewScoreHandler returns an http.HandlerFunc for POST /api/v1/ats/score.
func NewScoreHandler(q Enqueuer, blobs BlobWriter, rules upload.Rules) http.HandlerFunc {
	validate := newValidator()
	maxBody := int64(rules.MaxFiles)*rules.MaxFileSize + 1<<20

	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		if err := r.ParseMultipartForm(formMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusBadRequest, "File too large", map[string]string{
					"limit": fmt.Sprintf("%d bytes per file", rules.MaxFileSize),
				})
				return
			}
			if errors.Is(err, http.ErrNotMultipart) {
				response.Error(w, http.StatusBadRequest, "Resume file is required", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "Malformed multipart form", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		form := scoreForm{
			Metadata: models.Metadata{
				CandidateName:   r.PostFormValue("candidate_name"),
				CandidateEmail:  r.PostFormValue("candidate_email"),
				JobTitle:        r.PostFormValue("job_title"),
				TargetSeniority: r.PostFormValue("target_seniority"),
			},
			JDText: r.PostFormValue("jd_text"),
		}
		if details := validateForm(validate, form); details != nil {
			response.Error(w, http.StatusBadRequest, "Invalid input", details)
			return
		}

		resumes := r.MultipartForm.File["resume"]
		if len(resumes) == 0 {
			response.Error(w, http.StatusBadRequest, "Resume file is required", nil)
			return
		}

		if err := rules.Check(allFiles(r.MultipartForm)); err != nil {
			writeUploadError(w, err, rules)
			return
		}

		jdFiles := r.MultipartForm.File["jd"]
		switch {
		case len(jdFiles) == 0 && form.JDText == "":
			response.Error(w, http.StatusBadRequest, "Either JD file or JD text is required", nil)
			return
		case len(jdFiles) > 0 && form.JDText != "":
			response.Error(w, http.StatusBadRequest, "Provide either a JD file or JD text, not both", nil)
			return
		}

		resume, err := upload.ReadBlob(resumes[0])
		if err != nil {
			internalError(w, "read resume upload", err)
			return
		}
		payload := models.NewScoringPayload(resume)
		payload.JDText = form.JDText
		payload.Metadata = form.Metadata

		if len(jdFiles) > 0 {
			jd, err := upload.ReadBlob(jdFiles[0])
			if err != nil {
				internalError(w, "read jd upload", err)
				return
			}
			payload.JD = &jd
		}

		if err := payload.Validate(); err != nil {
			// Only reachable with an empty upload.
			response.Error(w, http.StatusBadRequest, "Uploaded files must not be empty", nil)
			return
		}

		ctx := r.Context()
		payload.Locators.Resume, err = blobs.Put(ctx, resumePrefix, payload.Resume)
		if err != nil {
			internalError(w, "store resume", err)
			return
		}
		if payload.JD != nil {
			payload.Locators.JD, err = blobs.Put(ctx, jdPrefix, *payload.JD)
			if err != nil {
				discard(ctx, blobs, payload.Locators)
				internalError(w, "store jd", err)
				return
			}
		}

		id, err := q.Enqueue(ctx, payload)
		if err != nil {
			discard(ctx, blobs, payload.Locators)
			internalError(w, "enqueue scoring job", err)
			return
		}

		slog.Info("scoring job queued", "job_id", id, "has_jd_file", payload.JD != nil)
		response.Accepted(w, scoreAccepted{
			RequestID: id,
			Status:    models.JobStatusPending,
			Message:   "Scoring job queued successfully",
		})
	}
}

func allFiles(form *multipart.Form) []*multipart.FileHeader {
	var files []*multipart.FileHeader
	for _, fhs := range form.File {
		files = append(files, fhs...)
	}
	return files
}

func writeUploadError(w http.ResponseWriter, err error, rules upload.Rules) {
	switch {
	case errors.Is(err, upload.ErrInvalidFileType):
		response.Error(w, http.StatusBadRequest,
			"Invalid file type. Only PDF, DOCX, DOC, and TXT files are allowed.", nil)
	case errors.Is(err, upload.ErrFileTooLarge):
		response.Error(w, http.StatusBadRequest, "File too large", map[string]string{
			"limit": fmt.Sprintf("%d bytes per file", rules.MaxFileSize),
		})
	case errors.Is(err, upload.ErrTooManyFiles):
		response.Error(w, http.StatusBadRequest, "Too many files", map[string]string{
			"limit": fmt.Sprintf("%d files per request", rules.MaxFiles),
		})
	default:
		internalError(w, "check uploads", err)
	}
}

func discard(ctx context.Context, blobs BlobWriter, loc models.Locators) {
	for _, l := range []string{loc.Resume, loc.JD} {
		if l == "" {
			continue
		}
		if err := blobs.Delete(ctx, l); err != nil {
			slog.Warn("failed to remove orphaned upload", "locator", l, "error", err)
		}
	}
}

func internalError(w http.ResponseWriter, op string, err error) {
	slog.Error("intake failed", "op", op, "error", err)
	response.Error(w, http.StatusInternalServerError, "Internal server error", nil)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateForm returns field-level messages keyed by form field name, or nil.
func validateForm(v *validator.Validate, form scoreForm) map[string]string {
	err := v.Struct(form)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"form": err.Error()}
	}

	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = fieldMessage(fe)
	}
	return details
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return "is invalid"
	}
}
