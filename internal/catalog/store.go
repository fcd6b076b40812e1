package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/otcheredev/dicom-ingestor/internal/models"
)

var timeNow = time.Now

// Store persists catalog records. Implementations must make InsertIfAbsent
// atomic per SOP Instance UID and report ErrNotFound from
// FindBySOPInstanceUID when no record exists.
type Store interface {
	FindBySOPInstanceUID(ctx context.Context, sopInstanceUID string) (*models.DicomInstance, error)
	InsertIfAbsent(ctx context.Context, record *models.DicomInstance) (created bool, err error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.DicomInstance
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.DicomInstance)}
}

func (s *MemoryStore) FindBySOPInstanceUID(ctx context.Context, sopInstanceUID string) (*models.DicomInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[sopInstanceUID]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "find instance", nil)
	}
	return &rec, nil
}

func (s *MemoryStore) InsertIfAbsent(ctx context.Context, record *models.DicomInstance) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.SOPInstanceUID]; exists {
		return false, nil
	}
	if err := record.BeforeCreate(nil); err != nil {
		return false, err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = timeNow().UTC()
	}
	s.records[record.SOPInstanceUID] = *record
	return true, nil
}

// Len returns the number of records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
