package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/peage/internal/audit"
)

// AuditLister reads the payment verification log.
type AuditLister interface {
	ListSince(ctx context.Context, since time.Time, limit int) ([]audit.VerificationRecord, error)
}

type auditHandler struct {
	store AuditLister
}

func newAuditHandler(store AuditLister) *auditHandler {
	return &auditHandler{store: store}
}

// ListVerifications handles GET /api/v1/verifications?since=RFC3339&limit=N.
// Without since, the last 24 hours are returned.
func (h *auditHandler) ListVerifications(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339")
			return
		}
		since = parsed
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := h.store.ListSince(r.Context(), since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list verifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verifications": recs})
}
