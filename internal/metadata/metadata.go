// Package metadata decodes DICOM Part 10 objects and extracts the identity
// attributes used for storage paths and cataloging.
package metadata

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/otcheredev/dicom-ingestor/internal/models"
)

// uidRoot is the DICOM root for UIDs derived from UUIDs (PS3.5 B.2).
const uidRoot = "2.25."

const metaGroup = 0x0002

// Decode parses data as a DICOM Part 10 stream. Pixel data is skipped.
func Decode(data []byte) (*dicom.Dataset, error) {
	if len(data) == 0 {
		return nil, models.NewError(models.ErrDecode, "decode", errors.New("empty object"))
	}

	ds, err := parse(data)
	if err != nil {
		return nil, models.NewError(models.ErrDecode, "decode", err)
	}
	if !hasDataSet(ds) {
		return nil, models.NewError(models.ErrDecode, "decode", errors.New("file meta information only, no data set"))
	}
	return ds, nil
}

// hasDataSet reports whether ds holds any element outside the file meta group.
func hasDataSet(ds *dicom.Dataset) bool {
	for _, el := range ds.Elements {
		if el != nil && el.Tag.Group != metaGroup {
			return true
		}
	}
	return false
}

// parse guards against panics raised by the decoder on malformed input.
func parse(data []byte) (ds *dicom.Dataset, err error) {
	defer func() {
		if r := recover(); r != nil {
			ds, err = nil, fmt.Errorf("decoder panic: %v", r)
		}
	}()

	parsed, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil, dicom.SkipPixelData())
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// Extract reads the identity attributes from ds. Absent attributes take their
// default value. A missing SOP Instance UID is taken from the file meta
// information, then from fallbackUID.
func Extract(ds *dicom.Dataset, fallbackUID string) models.InstanceIdentity {
	identity := models.InstanceIdentity{
		PatientID:         valueOr(ds, tag.PatientID, models.UnknownPatientID),
		PatientName:       valueOr(ds, tag.PatientName, models.UnknownValue),
		StudyInstanceUID:  valueOr(ds, tag.StudyInstanceUID, models.UnknownUID),
		SeriesInstanceUID: valueOr(ds, tag.SeriesInstanceUID, models.UnknownUID),
		SOPInstanceUID:    valueOr(ds, tag.SOPInstanceUID, valueOr(ds, tag.MediaStorageSOPInstanceUID, fallbackUID)),
		SOPClassUID:       getStringByTag(ds, tag.SOPClassUID),
		Modality:          valueOr(ds, tag.Modality, models.UnknownValue),
		StudyDate:         valueOr(ds, tag.StudyDate, models.UnknownUID),
		StudyTime:         valueOr(ds, tag.StudyTime, models.UnknownUID),
		StudyDescription:  valueOr(ds, tag.StudyDescription, models.UnknownValue),
		SeriesDescription: valueOr(ds, tag.SeriesDescription, models.UnknownValue),
	}
	if identity.SOPInstanceUID == "" {
		identity.SOPInstanceUID = models.UnknownUID
	}
	return identity
}

// Read decodes data and extracts its identity in one step. Objects without any
// SOP Instance UID get one derived from their content.
func Read(data []byte) (models.InstanceIdentity, error) {
	ds, err := Decode(data)
	if err != nil {
		return models.InstanceIdentity{}, err
	}
	return Extract(ds, DeterministicUID(data)), nil
}

// DeterministicUID derives a UID from the content of an object, so that
// re-ingesting the same bytes yields the same identity.
func DeterministicUID(content []byte) string {
	id := uuid.NewSHA1(uuid.NameSpaceOID, content)
	return uidRoot + new(big.Int).SetBytes(id[:]).String()
}

func valueOr(ds *dicom.Dataset, t tag.Tag, fallback string) string {
	if v := getStringByTag(ds, t); v != "" {
		return v
	}
	return fallback
}

// getStringByTag returns the first string value of the element, trimmed of
// DICOM padding, or "" when the element is absent or not a string.
func getStringByTag(ds *dicom.Dataset, t tag.Tag) string {
	if ds == nil {
		return ""
	}
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil || el.Value == nil {
		return ""
	}
	vals, ok := el.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(vals[0], "\x00"))
}
