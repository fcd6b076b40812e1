package handlers

import (
	"errors"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-ingestor/internal/catalog"
	"github.com/otcheredev/dicom-ingestor/internal/models"
	"github.com/otcheredev/dicom-ingestor/internal/objectstore"
)

type InstanceHandler struct {
	catalog *catalog.Writer
	store   objectstore.Gateway
}

func NewInstanceHandler(writer *catalog.Writer, store objectstore.Gateway) *InstanceHandler {
	return &InstanceHandler{
		catalog: writer,
		store:   store,
	}
}

// GetInstance returns the catalog record of one instance.
func (h *InstanceHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	record, ok := h.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// HeadInstance answers 200 when the instance is cataloged and 404 otherwise.
func (h *InstanceHandler) HeadInstance(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "sopInstanceUID")
	if uid == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ok, err := h.catalog.IsIngested(r.Context(), uid)
	if err != nil {
		log.Error().Err(err).Str("sop_instance_uid", uid).Msg("Failed to check instance")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetInstanceFile streams the stored Part 10 bytes of one instance.
func (h *InstanceHandler) GetInstanceFile(w http.ResponseWriter, r *http.Request) {
	record, ok := h.lookup(w, r)
	if !ok {
		return
	}

	data, err := h.store.Download(r.Context(), record.StorageKey)
	if err != nil {
		log.Error().Err(err).Str("storage_key", record.StorageKey).Msg("Failed to download instance")
		http.Error(w, "Failed to download instance", statusFor(err))
		return
	}

	w.Header().Set("Content-Type", objectstore.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(record.StorageKey)+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *InstanceHandler) lookup(w http.ResponseWriter, r *http.Request) (*models.DicomInstance, bool) {
	uid := chi.URLParam(r, "sopInstanceUID")
	if uid == "" {
		http.Error(w, "SOP Instance UID is required", http.StatusBadRequest)
		return nil, false
	}

	record, err := h.catalog.Lookup(r.Context(), uid)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "Instance not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		log.Error().Err(err).Str("sop_instance_uid", uid).Msg("Failed to look up instance")
		http.Error(w, "Failed to look up instance", http.StatusInternalServerError)
		return nil, false
	}
	return record, true
}
