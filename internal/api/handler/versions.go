package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/kiranshivaraju/atsgateway/internal/api/response"
)

const (
	ServiceName    = "ats-scoring-api"
	ServiceVersion = "1.0.0"
)

type versionsResponse struct {
	Service      string            `json:"service"`
	Version      string            `json:"version"`
	Timestamp    string            `json:"timestamp"`
	Dependencies map[string]string `json:"dependencies"`
}

// Versions serves GET /api/v1/ats/versions.
func Versions(w http.ResponseWriter, _ *http.Request) {
	response.JSON(w, http.StatusOK, versionsResponse{
		Service:   ServiceName,
		Version:   ServiceVersion,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Dependencies: map[string]string{
			"go": runtime.Version(),
		},
	})
}
