package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Audit statuses
const (
	AuditSuccess   = "success"
	AuditDuplicate = "duplicate"
	AuditFailure   = "failure"
)

// IngestionAudit records one ingestion attempt, successful or not.
type IngestionAudit struct {
	ID             uuid.UUID    `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Source         IngestSource `gorm:"type:varchar(16);not null;index" json:"source"`
	SourceName     string       `gorm:"type:text" json:"source_name"`
	RemoteAddr     string       `gorm:"type:varchar(255)" json:"remote_addr,omitempty"`
	CallingAETitle string       `gorm:"type:varchar(16)" json:"calling_ae_title,omitempty"`
	SOPInstanceUID string       `gorm:"type:varchar(128);index" json:"sop_instance_uid,omitempty"`
	StorageKey     string       `gorm:"type:text" json:"storage_key,omitempty"`
	Status         string       `gorm:"type:varchar(20);index" json:"status"`
	ErrorMessage   string       `gorm:"type:text" json:"error_message,omitempty"`
	Duration       int64        `json:"duration_ms"`
	CreatedAt      time.Time    `gorm:"index" json:"timestamp"`
}

// TableName overrides the table name
func (IngestionAudit) TableName() string {
	return "ingestion_audits"
}

// BeforeCreate hook
func (a *IngestionAudit) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
