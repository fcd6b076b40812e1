package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Sentinel values used when an attribute is absent from the source object.
const (
	UnknownPatientID = "unknown_patient"
	UnknownValue     = "Unknown"
	UnknownUID       = "unknown"
)

// IngestSource identifies the entry point an object arrived through.
type IngestSource string

const (
	SourceDIMSE IngestSource = "dimse"
	SourceHTTP  IngestSource = "http"
)

// InstanceIdentity is the normalized identity of a single DICOM instance.
// Fields are never empty once produced by the metadata extractor.
type InstanceIdentity struct {
	PatientID         string `json:"patientId"`
	PatientName       string `json:"patientName"`
	StudyInstanceUID  string `json:"studyInstanceUid"`
	SeriesInstanceUID string `json:"seriesInstanceUid"`
	SOPInstanceUID    string `json:"sopInstanceUid"`
	SOPClassUID       string `json:"sopClassUid,omitempty"`
	Modality          string `json:"modality"`
	StudyDate         string `json:"studyDate"`
	StudyTime         string `json:"studyTime,omitempty"`
	StudyDescription  string `json:"studyDescription"`
	SeriesDescription string `json:"seriesDescription"`
}

// DicomInstance is the catalog record for one ingested instance.
type DicomInstance struct {
	ID                uuid.UUID    `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	SOPInstanceUID    string       `gorm:"type:varchar(128);not null;uniqueIndex" json:"sopInstanceUid"`
	SOPClassUID       string       `gorm:"type:varchar(128)" json:"sopClassUid,omitempty"`
	StudyInstanceUID  string       `gorm:"type:varchar(128);index" json:"studyInstanceUid"`
	SeriesInstanceUID string       `gorm:"type:varchar(128);index" json:"seriesInstanceUid"`
	PatientID         string       `gorm:"type:varchar(128);index" json:"patientId"`
	PatientName       string       `gorm:"type:varchar(255)" json:"patientName"`
	Modality          string       `gorm:"type:varchar(32)" json:"modality"`
	StudyDate         string       `gorm:"type:varchar(16)" json:"studyDate"`
	StudyTime         string       `gorm:"type:varchar(32)" json:"studyTime,omitempty"`
	StudyDescription  string       `gorm:"type:text" json:"studyDescription"`
	SeriesDescription string       `gorm:"type:text" json:"seriesDescription"`
	StorageKey        string       `gorm:"type:text;not null" json:"storageKey"`
	Source            IngestSource `gorm:"type:varchar(16)" json:"source,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
}

// TableName overrides the table name
func (DicomInstance) TableName() string {
	return "dicom_instances"
}

// BeforeCreate hook
func (d *DicomInstance) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

// NewDicomInstance builds a catalog record from an identity and its storage key.
func NewDicomInstance(identity InstanceIdentity, storageKey string, source IngestSource) *DicomInstance {
	return &DicomInstance{
		SOPInstanceUID:    identity.SOPInstanceUID,
		SOPClassUID:       identity.SOPClassUID,
		StudyInstanceUID:  identity.StudyInstanceUID,
		SeriesInstanceUID: identity.SeriesInstanceUID,
		PatientID:         identity.PatientID,
		PatientName:       identity.PatientName,
		Modality:          identity.Modality,
		StudyDate:         identity.StudyDate,
		StudyTime:         identity.StudyTime,
		StudyDescription:  identity.StudyDescription,
		SeriesDescription: identity.SeriesDescription,
		StorageKey:        storageKey,
		Source:            source,
	}
}

// Identity returns the identity portion of the record.
func (d *DicomInstance) Identity() InstanceIdentity {
	return InstanceIdentity{
		PatientID:         d.PatientID,
		PatientName:       d.PatientName,
		StudyInstanceUID:  d.StudyInstanceUID,
		SeriesInstanceUID: d.SeriesInstanceUID,
		SOPInstanceUID:    d.SOPInstanceUID,
		SOPClassUID:       d.SOPClassUID,
		Modality:          d.Modality,
		StudyDate:         d.StudyDate,
		StudyTime:         d.StudyTime,
		StudyDescription:  d.StudyDescription,
		SeriesDescription: d.SeriesDescription,
	}
}
