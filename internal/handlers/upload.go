package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-ingestor/internal/ingest"
	"github.com/otcheredev/dicom-ingestor/internal/models"
)

// DefaultMaxUploadSize bounds a whole upload request body.
const DefaultMaxUploadSize int64 = 1 << 30

// multipartMemory is kept in memory per request; larger parts spill to disk.
const multipartMemory = 32 << 20

type UploadHandler struct {
	pipeline      *ingest.Pipeline
	batch         *ingest.Batch
	maxUploadSize int64
}

func NewUploadHandler(pipeline *ingest.Pipeline, batch *ingest.Batch, maxUploadSize int64) *UploadHandler {
	if maxUploadSize <= 0 {
		maxUploadSize = DefaultMaxUploadSize
	}
	return &UploadHandler{
		pipeline:      pipeline,
		batch:         batch,
		maxUploadSize: maxUploadSize,
	}
}

// Upload ingests the "file" part: a ZIP archive when its name ends in .zip,
// otherwise a single DICOM object.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil || header.Size == 0 {
		http.Error(w, "No file was uploaded", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if strings.EqualFold(filepath.Ext(header.Filename), ".zip") {
		h.uploadArchive(w, r, file, header)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		log.Error().Err(err).Str("filename", header.Filename).Msg("Failed to read upload")
		http.Error(w, "Failed to read upload", http.StatusBadRequest)
		return
	}

	result := h.pipeline.Ingest(r.Context(), h.object(r, header.Filename, data))

	status := http.StatusOK
	if !result.Success {
		status = statusFor(result.Err)
	}
	respondJSON(w, status, result)
}

func (h *UploadHandler) uploadArchive(w http.ResponseWriter, r *http.Request, file multipart.File, header *multipart.FileHeader) {
	summary, err := h.batch.ProcessArchive(r.Context(), header.Filename, file, header.Size, h.object(r, header.Filename, nil))
	if err != nil {
		log.Error().Err(err).Str("archive", header.Filename).Msg("Error processing ZIP file")
		http.Error(w, "Error processing zip file: "+err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// UploadBatch ingests every "files" part independently and returns one result
// per file.
func (h *UploadHandler) UploadBatch(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		http.Error(w, "No files were uploaded", http.StatusBadRequest)
		return
	}

	objects := make([]ingest.Object, 0, len(headers))
	for _, fh := range headers {
		data, err := readPart(fh)
		obj := h.object(r, fh.Filename, data)
		if err != nil {
			log.Warn().Err(err).Str("filename", fh.Filename).Msg("Failed to read upload part")
			obj.ReadErr = err
		}
		objects = append(objects, obj)
	}

	summary := h.batch.ProcessFiles(r.Context(), objects)
	respondJSON(w, http.StatusOK, summary.Results)
}

func (h *UploadHandler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Upload too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "Invalid multipart request", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *UploadHandler) object(r *http.Request, filename string, data []byte) ingest.Object {
	return ingest.Object{
		Data:       data,
		SourceName: filename,
		Source:     models.SourceHTTP,
		RemoteAddr: r.RemoteAddr,
	}
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// statusFor maps a failed ingestion to an HTTP status: content problems are
// the client's, everything else is ours.
func statusFor(err error) int {
	switch {
	case models.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}
