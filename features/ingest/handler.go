package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	"refsearch/internal/ingest"
	"refsearch/internal/middleware"
)

// Runner runs one ingestion pass over the provider library.
type Runner interface {
	Run(ctx context.Context) (*ingest.Summary, error)
}

type Handler struct {
	runner  Runner
	running atomic.Bool
}

func NewHandler(runner Runner) *Handler {
	return &Handler{runner: runner}
}

// StartRun executes an ingestion run synchronously and returns its summary.
// Only one run may be in flight at a time; a second request gets 409.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	if !h.running.CompareAndSwap(false, true) {
		slog.WarnContext(ctx, "ingestion already running", "correlationId", correlationID)
		h.writeError(ctx, w, "CONFLICT", "an ingestion run is already in progress", http.StatusConflict)
		return
	}
	defer h.running.Store(false)

	slog.InfoContext(ctx, "ingestion run started", "correlationId", correlationID)

	summary, err := h.runner.Run(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "ingestion run aborted", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INGESTION_FAILED", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": summary}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode error response", "error", err)
	}
}
