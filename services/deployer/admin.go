package deployer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RunReader is the read side of the run archive.
type RunReader interface {
	Get(runID string) (Report, error)
	List(limit int) ([]RunSummary, error)
}

const defaultListLimit = 50

// NewAdminHandler builds the read-only admin API. A nil reader disables the
// run endpoints.
func NewAdminHandler(runs RunReader, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/runs", func(w http.ResponseWriter, r *http.Request) {
		if runs == nil {
			writeError(w, http.StatusServiceUnavailable, "archive disabled")
			return
		}
		limit := defaultListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = parsed
		}
		summaries, err := runs.List(limit)
		if err != nil {
			logger.Error("list runs", "error", err)
			writeError(w, http.StatusInternalServerError, "list runs failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": summaries})
	})

	r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if runs == nil {
			writeError(w, http.StatusServiceUnavailable, "archive disabled")
			return
		}
		report, err := runs.Get(chi.URLParam(r, "id"))
		switch {
		case errors.Is(err, ErrRunNotFound):
			writeError(w, http.StatusNotFound, "run not found")
		case err != nil:
			logger.Error("load run", "error", err)
			writeError(w, http.StatusInternalServerError, "load run failed")
		default:
			writeJSON(w, http.StatusOK, report)
		}
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
