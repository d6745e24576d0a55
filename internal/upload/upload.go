// Package upload validates multipart file uploads before they are stored or queued.
package upload

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/kiranshivaraju/atsgateway/pkg/models"
)

var (
	ErrInvalidFileType = errors.New("invalid file type")
	ErrFileTooLarge    = errors.New("file too large")
	ErrTooManyFiles    = errors.New("too many files")
)

var allowedTypes = map[string]bool{
	"application/pdf": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/msword": true,
	"text/plain":         true,
}

var allowedExtensions = map[string]bool{
	".pdf":  true,
	".docx": true,
	".doc":  true,
	".txt":  true,
}

// Rules bounds what a single intake request may upload.
type Rules struct {
	MaxFileSize int64
	MaxFiles    int
}

// DefaultRules allows two files of at most 5 MiB each.
var DefaultRules = Rules{
	MaxFileSize: 5 << 20,
	MaxFiles:    2,
}

// Accept reports whether a file may be uploaded. A file passes when either its
// declared MIME type or its extension is on the allow-list.
func (r Rules) Accept(filename, contentType string) error {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && allowedTypes[strings.ToLower(mt)] {
		return nil
	}
	if allowedExtensions[strings.ToLower(filepath.Ext(filename))] {
		return nil
	}
	return ErrInvalidFileType
}

// Check applies the count, size and type rules to every uploaded file.
func (r Rules) Check(files []*multipart.FileHeader) error {
	if r.MaxFiles > 0 && len(files) > r.MaxFiles {
		return fmt.Errorf("%w: got %d, at most %d allowed", ErrTooManyFiles, len(files), r.MaxFiles)
	}
	for _, fh := range files {
		if r.MaxFileSize > 0 && fh.Size > r.MaxFileSize {
			return fmt.Errorf("%w: %s exceeds %d bytes", ErrFileTooLarge, fh.Filename, r.MaxFileSize)
		}
		if err := r.Accept(fh.Filename, fh.Header.Get("Content-Type")); err != nil {
			return err
		}
	}
	return nil
}

// ReadBlob reads an uploaded file into memory.
func ReadBlob(fh *multipart.FileHeader) (models.FileBlob, error) {
	f, err := fh.Open()
	if err != nil {
		return models.FileBlob{}, fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return models.FileBlob{}, fmt.Errorf("read upload %s: %w", fh.Filename, err)
	}

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return models.FileBlob{
		Filename:    fh.Filename,
		ContentType: contentType,
		Data:        data,
	}, nil
}
