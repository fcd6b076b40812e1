package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/otcheredev/dicom-ingestor/internal/models"
)

// InstanceRepository is the Postgres-backed catalog store.
type InstanceRepository struct {
	db *gorm.DB
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(db *gorm.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// FindBySOPInstanceUID retrieves the catalog record for a SOP Instance UID
func (r *InstanceRepository) FindBySOPInstanceUID(ctx context.Context, sopInstanceUID string) (*models.DicomInstance, error) {
	var instance models.DicomInstance
	err := r.db.WithContext(ctx).
		Where("sop_instance_uid = ?", sopInstanceUID).
		First(&instance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewError(models.ErrNotFound, "find instance", nil)
	}
	if err != nil {
		return nil, models.NewError(models.ErrCatalogUnavailable, "find instance", err)
	}
	return &instance, nil
}

// InsertIfAbsent inserts record unless one with the same SOP Instance UID
// exists. The unique index on sop_instance_uid decides concurrent races.
func (r *InstanceRepository) InsertIfAbsent(ctx context.Context, record *models.DicomInstance) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sop_instance_uid"}},
			DoNothing: true,
		}).
		Create(record)
	if result.Error != nil {
		return false, models.NewError(models.ErrCatalogUnavailable, "insert instance", result.Error)
	}
	return result.RowsAffected == 1, nil
}
