package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/otcheredev/dicom-ingestor/internal/models"
)

// AuditLog stores ingestion attempts.
type AuditLog interface {
	Create(ctx context.Context, entry *models.IngestionAudit) error
	GetBySOPInstanceUID(ctx context.Context, sopInstanceUID string) ([]models.IngestionAudit, error)
	List(ctx context.Context, status string, limit, offset int) ([]models.IngestionAudit, error)
}

// MemoryAuditLog is an in-process AuditLog.
type MemoryAuditLog struct {
	mu      sync.RWMutex
	entries []models.IngestionAudit
}

// NewMemoryAuditLog creates an empty audit log.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (m *MemoryAuditLog) Create(ctx context.Context, entry *models.IngestionAudit) error {
	if err := entry.BeforeCreate(nil); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = timeNow().UTC()
	}

	m.mu.Lock()
	m.entries = append(m.entries, *entry)
	m.mu.Unlock()
	return nil
}

func (m *MemoryAuditLog) GetBySOPInstanceUID(ctx context.Context, sopInstanceUID string) ([]models.IngestionAudit, error) {
	var out []models.IngestionAudit
	for _, e := range m.newestFirst() {
		if e.SOPInstanceUID == sopInstanceUID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryAuditLog) List(ctx context.Context, status string, limit, offset int) ([]models.IngestionAudit, error) {
	var out []models.IngestionAudit
	for _, e := range m.newestFirst() {
		if status == "" || e.Status == status {
			out = append(out, e)
		}
	}

	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryAuditLog) newestFirst() []models.IngestionAudit {
	m.mu.RLock()
	out := make([]models.IngestionAudit, len(m.entries))
	copy(out, m.entries)
	m.mu.RUnlock()

	// Insertion order breaks ties between equal timestamps.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
