package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-ingestor/internal/catalog"
	"github.com/otcheredev/dicom-ingestor/internal/models"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

type AuditHandler struct {
	audit catalog.AuditLog
}

func NewAuditHandler(audit catalog.AuditLog) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// ListAudit returns recent ingestion attempts, optionally filtered by status.
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", models.AuditSuccess, models.AuditDuplicate, models.AuditFailure:
	default:
		http.Error(w, "Invalid status filter", http.StatusBadRequest)
		return
	}

	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxAuditLimit)
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid offset", http.StatusBadRequest)
			return
		}
		offset = n
	}

	entries, err := h.audit.List(r.Context(), status, limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list audit entries")
		http.Error(w, "Failed to list audit entries", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// GetInstanceAudit returns every ingestion attempt of one instance.
func (h *AuditHandler) GetInstanceAudit(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "sopInstanceUID")

	entries, err := h.audit.GetBySOPInstanceUID(r.Context(), uid)
	if err != nil {
		log.Error().Err(err).Str("sop_instance_uid", uid).Msg("Failed to get audit entries")
		http.Error(w, "Failed to get audit entries", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []models.IngestionAudit{}
	}
	respondJSON(w, http.StatusOK, entries)
}
