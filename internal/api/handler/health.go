package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/kiranshivaraju/atsgateway/internal/api/response"
)

const readyTimeout = 3 * time.Second

// Check is a named readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Health is the liveness probe. It never touches dependencies.
func Health(w http.ResponseWriter, _ *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// NewReadyHandler returns the readiness probe. It answers 503 when any check fails.
func NewReadyHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		results := make(map[string]string, len(checks))
		degraded := false
		for _, c := range checks {
			results[c.Name] = "ok"
			if err := c.Probe(ctx); err != nil {
				slog.Warn("readiness check failed", "check", c.Name, "error", err)
				results[c.Name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			names := make([]string, 0, len(results))
			for n, s := range results {
				if s != "ok" {
					names = append(names, n)
				}
			}
			sort.Strings(names)
			response.JSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":   "degraded",
				"services": results,
				"failing":  names,
			})
			return
		}

		response.JSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"services": results,
		})
	}
}
