package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"refsearch/internal/middleware"
	"refsearch/internal/retrieval"
)

type CollectionReader interface {
	CollectionInfo(ctx context.Context) (*retrieval.CollectionInfo, error)
}

type Handler struct {
	reader CollectionReader
}

func NewHandler(reader CollectionReader) *Handler {
	return &Handler{reader: reader}
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	info, err := h.reader.CollectionInfo(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read collection info", "error", err, "correlationId", correlationID)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to read collection info", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": info}); err != nil {
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
