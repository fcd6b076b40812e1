// Package storagepath derives deterministic object-store keys from instance
// identities.
package storagepath

import (
	"path"
	"strings"
	"unicode"

	"github.com/otcheredev/dicom-ingestor/internal/models"
)

const (
	maxSegmentLength = 50
	truncatedLength  = 47
	truncationMarker = "..."
	unknownDate      = "Unknown-Date"
	fileExtension    = ".dcm"
)

// StorageKey is a hierarchical, slash separated object-store path.
type StorageKey string

func (k StorageKey) String() string {
	return string(k)
}

// Derive builds the storage key for an identity. sourceName is the original
// file name of the object if one is known; its stem becomes the leaf name,
// otherwise the SOP Instance UID is used.
func Derive(identity models.InstanceIdentity, sourceName string) StorageKey {
	patient := "Patient_" + Sanitize(FormatPatientName(identity.PatientName)) + "_" + Sanitize(identity.PatientID)
	study := FormatStudyDate(identity.StudyDate) + "_" + Sanitize(identity.StudyDescription)
	series := Sanitize(identity.Modality) + "_" + Sanitize(identity.SeriesDescription)
	leaf := leafName(sourceName, identity.SOPInstanceUID) + fileExtension

	return StorageKey(strings.Join([]string{patient, study, series, leaf}, "/"))
}

// FormatPatientName turns a DICOM person name (Last^First) into Last_First.
func FormatPatientName(name string) string {
	return strings.NewReplacer("^", "_", " ", "_").Replace(name)
}

// FormatStudyDate renders a DICOM DA value (YYYYMMDD) as YYYY-MM-DD.
func FormatStudyDate(date string) string {
	if len(date) != 8 {
		return unknownDate
	}
	for _, r := range date {
		if r < '0' || r > '9' {
			return unknownDate
		}
	}
	return date[:4] + "-" + date[4:6] + "-" + date[6:]
}

// Sanitize makes s safe to use as a single path segment.
func Sanitize(s string) string {
	if strings.TrimSpace(s) == "" {
		return models.UnknownValue
	}

	sanitized := strings.Map(func(r rune) rune {
		if isInvalidPathRune(r) || unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, s)

	if runes := []rune(sanitized); len(runes) > maxSegmentLength {
		sanitized = string(runes[:truncatedLength]) + truncationMarker
	}

	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = strings.Trim(sanitized, "_")

	if sanitized == "" {
		return models.UnknownValue
	}
	return sanitized
}

// leafName strips invalid characters from the file stem without truncating it,
// so long UIDs keep their uniqueness.
func leafName(sourceName, sopInstanceUID string) string {
	stem := stripInvalid(strings.TrimSpace(stemOf(sourceName)))
	if stem == "" || stem == "." || stem == ".." {
		stem = stripInvalid(sopInstanceUID)
	}
	if stem == "" {
		return models.UnknownUID
	}
	return stem
}

func stripInvalid(s string) string {
	return strings.Map(func(r rune) rune {
		if isInvalidPathRune(r) {
			return -1
		}
		return r
	}, s)
}

func stemOf(name string) string {
	if name == "" {
		return ""
	}
	// Archive members and browser uploads may use either separator.
	name = strings.ReplaceAll(name, "\\", "/")
	base := path.Base(name)
	if base == "/" || base == "." {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

func isInvalidPathRune(r rune) bool {
	switch r {
	case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
		return true
	}
	return unicode.IsControl(r)
}
