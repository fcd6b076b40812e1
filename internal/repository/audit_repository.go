package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/otcheredev/dicom-ingestor/internal/models"
)

// AuditRepository handles ingestion audit database operations
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create creates a new audit entry
func (r *AuditRepository) Create(ctx context.Context, entry *models.IngestionAudit) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// GetBySOPInstanceUID retrieves the ingestion attempts for an instance
func (r *AuditRepository) GetBySOPInstanceUID(ctx context.Context, sopInstanceUID string) ([]models.IngestionAudit, error) {
	var entries []models.IngestionAudit
	if err := r.db.WithContext(ctx).
		Where("sop_instance_uid = ?", sopInstanceUID).
		Order("created_at DESC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to get audit entries: %w", err)
	}
	return entries, nil
}

// List retrieves recent audit entries, optionally filtered by status
func (r *AuditRepository) List(ctx context.Context, status string, limit, offset int) ([]models.IngestionAudit, error) {
	var entries []models.IngestionAudit
	query := r.db.WithContext(ctx).Order("created_at DESC")

	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to get audit entries: %w", err)
	}

	return entries, nil
}
