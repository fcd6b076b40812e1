package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/otcheredev/dicom-ingestor/internal/catalog"
	"github.com/otcheredev/dicom-ingestor/internal/dicomfile"
	"github.com/otcheredev/dicom-ingestor/internal/ingest"
	"github.com/otcheredev/dicom-ingestor/internal/models"
	"github.com/otcheredev/dicom-ingestor/internal/objectstore"
)

type testServer struct {
	router  chi.Router
	objects objectstore.Gateway
	records *catalog.MemoryStore
	audit   *catalog.MemoryAuditLog
}

func newTestServer(t *testing.T, store objectstore.Gateway) *testServer {
	t.Helper()
	if store == nil {
		store = objectstore.NewMemoryStore()
	}
	s := &testServer{
		objects: store,
		records: catalog.NewMemoryStore(),
		audit:   catalog.NewMemoryAuditLog(),
	}
	writer := catalog.NewWriter(s.records, nil)
	pipeline := ingest.NewPipeline(store, writer, s.audit, ingest.Options{})
	batch := ingest.NewBatch(pipeline, ingest.BatchOptions{})

	upload := NewUploadHandler(pipeline, batch, 0)
	instances := NewInstanceHandler(writer, store)
	audit := NewAuditHandler(s.audit)

	r := chi.NewRouter()
	r.Post("/api/dicom/upload", upload.Upload)
	r.Post("/api/dicom/upload/batch", upload.UploadBatch)
	r.Get("/api/dicom/instances/{sopInstanceUID}", instances.GetInstance)
	r.Head("/api/dicom/instances/{sopInstanceUID}", instances.HeadInstance)
	r.Get("/api/dicom/instances/{sopInstanceUID}/file", instances.GetInstanceFile)
	r.Get("/api/dicom/instances/{sopInstanceUID}/audit", audit.GetInstanceAudit)
	r.Get("/api/dicom/audit", audit.ListAudit)
	s.router = r
	return s
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

type part struct {
	field, name string
	data        []byte
}

func multipartRequest(t *testing.T, url string, parts ...part) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range parts {
		fw, err := mw.CreateFormFile(p.field, p.name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(p.data)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func sample(uid string) []byte {
	return dicomfile.Attributes{
		SOPInstanceUID:    uid,
		PatientID:         "PAT1",
		PatientName:       "Doe^John",
		StudyDate:         "20240101",
		StudyDescription:  "CT Chest",
		SeriesDescription: "Axial",
		Modality:          "CT",
		StudyInstanceUID:  "1.2.3",
		SeriesInstanceUID: "1.2.3.4",
	}.Part10(dicomfile.ExplicitVRLittleEndian)
}

func zipOf(t *testing.T, files map[string][]byte, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write(files[name])
	}
	zw.Close()
	return buf.Bytes()
}

type offlineStore struct{ objectstore.Gateway }

func (offlineStore) Upload(ctx context.Context, key string, data []byte) error {
	return models.NewError(models.ErrStoreUnavailable, "upload", errors.New("offline"))
}

func TestUpload_Single(t *testing.T) {
	tests := []struct {
		name       string
		store      objectstore.Gateway
		data       []byte
		wantStatus int
		wantKey    string
	}{
		{
			name:       "valid object",
			data:       sample("1.2.3.4.5"),
			wantStatus: http.StatusOK,
			wantKey:    "Patient_Doe_John_PAT1/2024-01-01_CT_Chest/CT_Axial/img1.dcm",
		},
		{
			name:       "not dicom",
			data:       []byte("hello"),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "store offline",
			store:      offlineStore{objectstore.NewMemoryStore()},
			data:       sample("1.2.3.4.6"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.store)
			rec := s.do(multipartRequest(t, "/api/dicom/upload", part{"file", "img1.dcm", tt.data}))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body)
			}

			var result models.IngestionResult
			if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if result.Filename != "img1.dcm" {
				t.Errorf("Filename = %q", result.Filename)
			}
			if tt.wantStatus == http.StatusOK {
				if !result.Success || result.StorageKey != tt.wantKey {
					t.Fatalf("result = %+v, want success with key %s", result, tt.wantKey)
				}
				if result.Metadata == nil || result.Metadata.PatientID != "PAT1" {
					t.Fatalf("Metadata = %+v", result.Metadata)
				}
			} else if result.Success || result.Error == "" {
				t.Fatalf("result = %+v, want failure with error", result)
			}
		})
	}
}

func TestUpload_NoFile(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(multipartRequest(t, "/api/dicom/upload", part{"other", "x.dcm", []byte("x")}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUpload_Archive(t *testing.T) {
	s := newTestServer(t, nil)
	archive := zipOf(t, map[string][]byte{
		"a.dcm":      sample("1.1"),
		"readme.txt": []byte("notes"),
		"b.dcm":      sample("1.2"),
	}, "a.dcm", "readme.txt", "b.dcm")

	rec := s.do(multipartRequest(t, "/api/dicom/upload", part{"file", "study.ZIP", archive}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var summary models.BatchSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.ArchiveName != "study.ZIP" || summary.TotalEntries != 3 || summary.SuccessfulCount != 2 || summary.SkippedCount != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if s.records.Len() != 2 {
		t.Fatalf("catalog has %d records, want 2", s.records.Len())
	}
}

func TestUpload_UnreadableArchive(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(multipartRequest(t, "/api/dicom/upload", part{"file", "broken.zip", []byte("not a zip at all")}))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestUploadBatch(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(multipartRequest(t, "/api/dicom/upload/batch",
		part{"files", "one.dcm", sample("2.1")},
		part{"files", "bad.dcm", []byte("bad")},
	))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var results []models.IngestionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if !results[0].Success || results[1].Success {
		t.Fatalf("results = %+v, want success then failure", results)
	}
}

func TestInstances(t *testing.T) {
	s := newTestServer(t, nil)
	data := sample("3.1")
	rec := s.do(multipartRequest(t, "/api/dicom/upload", part{"file", "img.dcm", data}))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d", rec.Code)
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/dicom/instances/3.1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GetInstance status = %d", rec.Code)
	}
	var record models.DicomInstance
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatal(err)
	}
	if record.SOPInstanceUID != "3.1" || record.Source != models.SourceHTTP {
		t.Fatalf("record = %+v", record)
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/dicom/instances/3.1/file", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GetInstanceFile status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !bytes.Equal(body, data) {
		t.Fatal("downloaded bytes differ from upload")
	}
	if ct := rec.Header().Get("Content-Type"); ct != objectstore.ContentType {
		t.Errorf("Content-Type = %q", ct)
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/dicom/instances/9.9.9", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing instance status = %d, want 404", rec.Code)
	}

	heads := []struct {
		uid  string
		want int
	}{
		{"3.1", http.StatusOK},
		{"9.9.9", http.StatusNotFound},
	}
	for _, tt := range heads {
		rec = s.do(httptest.NewRequest(http.MethodHead, "/api/dicom/instances/"+tt.uid, nil))
		if rec.Code != tt.want {
			t.Errorf("HEAD %s status = %d, want %d", tt.uid, rec.Code, tt.want)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("HEAD %s wrote a body", tt.uid)
		}
	}
}

func TestAudit(t *testing.T) {
	s := newTestServer(t, nil)
	for range 2 {
		s.do(multipartRequest(t, "/api/dicom/upload", part{"file", "img.dcm", sample("4.1")}))
	}
	s.do(multipartRequest(t, "/api/dicom/upload", part{"file", "bad.dcm", []byte("bad")}))

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/dicom/instances/4.1/audit", nil))
	var entries []models.IngestionAudit
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d audit entries for instance, want 2", len(entries))
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/dicom/audit?status=failure", nil))
	entries = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Status != models.AuditFailure {
		t.Fatalf("failure entries = %+v", entries)
	}

	for _, q := range []string{"?limit=abc", "?limit=0", "?offset=-1", "?status=bogus"} {
		rec = s.do(httptest.NewRequest(http.MethodGet, "/api/dicom/audit"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("GET audit%s status = %d, want 400", q, rec.Code)
		}
	}
}

func TestHealth(t *testing.T) {
	ok := Check{Name: "database", Ping: func(context.Context) error { return nil }}
	down := Check{Name: "object_store", Ping: func(context.Context) error { return errors.New("down") }}

	tests := []struct {
		name       string
		checks     []Check
		wantStatus int
	}{
		{"all healthy", []Check{ok}, http.StatusOK},
		{"one down", []Check{ok, down}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.checks...)

			rec := httptest.NewRecorder()
			h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("Health status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp healthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if len(resp.Services) != len(tt.checks) {
				t.Fatalf("Services = %v", resp.Services)
			}

			rec = httptest.NewRecorder()
			h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("Ready status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
