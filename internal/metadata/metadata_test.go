package metadata

import (
	"errors"
	"strings"
	"testing"

	"github.com/otcheredev/dicom-ingestor/internal/dicomfile"
	"github.com/otcheredev/dicom-ingestor/internal/models"
)

func fullAttributes() dicomfile.Attributes {
	return dicomfile.Attributes{
		SOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
		SOPInstanceUID:    "1.2.3.4.5",
		StudyDate:         "20240101",
		StudyTime:         "101500",
		Modality:          "CT",
		StudyDescription:  "CT Chest",
		SeriesDescription: "Axial",
		PatientName:       "Doe^John",
		PatientID:         "PAT1",
		StudyInstanceUID:  "1.2.3",
		SeriesInstanceUID: "1.2.3.4",
	}
}

func TestRead_AllAttributes(t *testing.T) {
	for _, ts := range []string{dicomfile.ExplicitVRLittleEndian, dicomfile.ImplicitVRLittleEndian} {
		t.Run(ts, func(t *testing.T) {
			identity, err := Read(fullAttributes().Part10(ts))
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}

			want := models.InstanceIdentity{
				PatientID:         "PAT1",
				PatientName:       "Doe^John",
				StudyInstanceUID:  "1.2.3",
				SeriesInstanceUID: "1.2.3.4",
				SOPInstanceUID:    "1.2.3.4.5",
				SOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
				Modality:          "CT",
				StudyDate:         "20240101",
				StudyTime:         "101500",
				StudyDescription:  "CT Chest",
				SeriesDescription: "Axial",
			}
			if identity != want {
				t.Fatalf("Read() = %+v, want %+v", identity, want)
			}
		})
	}
}

func TestRead_Defaults(t *testing.T) {
	data := dicomfile.Attributes{SOPInstanceUID: "9.8.7"}.Part10(dicomfile.ExplicitVRLittleEndian)

	identity, err := Read(data)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	checks := map[string][2]string{
		"PatientID":         {identity.PatientID, models.UnknownPatientID},
		"PatientName":       {identity.PatientName, models.UnknownValue},
		"StudyInstanceUID":  {identity.StudyInstanceUID, models.UnknownUID},
		"SeriesInstanceUID": {identity.SeriesInstanceUID, models.UnknownUID},
		"Modality":          {identity.Modality, models.UnknownValue},
		"StudyDate":         {identity.StudyDate, models.UnknownUID},
		"StudyDescription":  {identity.StudyDescription, models.UnknownValue},
		"SeriesDescription": {identity.SeriesDescription, models.UnknownValue},
		"SOPInstanceUID":    {identity.SOPInstanceUID, "9.8.7"},
	}
	for field, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s = %q, want %q", field, c[0], c[1])
		}
	}
}

func TestRead_MissingSOPInstanceUIDIsDeterministic(t *testing.T) {
	attrs := fullAttributes()
	attrs.SOPInstanceUID = ""
	data := attrs.Part10(dicomfile.ExplicitVRLittleEndian)

	first, err := Read(data)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	second, _ := Read(data)

	if first.SOPInstanceUID != second.SOPInstanceUID {
		t.Fatalf("fallback UID differs across reads: %q vs %q", first.SOPInstanceUID, second.SOPInstanceUID)
	}
	if !strings.HasPrefix(first.SOPInstanceUID, "2.25.") {
		t.Fatalf("fallback UID %q not under 2.25 root", first.SOPInstanceUID)
	}
	if len(first.SOPInstanceUID) > 64 {
		t.Fatalf("fallback UID longer than 64 characters: %d", len(first.SOPInstanceUID))
	}

	attrs.PatientID = "OTHER"
	other, _ := Read(attrs.Part10(dicomfile.ExplicitVRLittleEndian))
	if other.SOPInstanceUID == first.SOPInstanceUID {
		t.Fatal("different content produced the same fallback UID")
	}
}

func TestRead_SOPInstanceUIDFromFileMeta(t *testing.T) {
	data := dicomfile.File(dicomfile.MetaInfo{
		SOPClassUID:       dicomfile.SecondaryCaptureImageStorage,
		SOPInstanceUID:    "5.5.5",
		TransferSyntaxUID: dicomfile.ExplicitVRLittleEndian,
	}, dicomfile.String(0x0010, 0x0020, "LO", "P1"))

	identity, err := Read(data)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if identity.SOPInstanceUID != "5.5.5" {
		t.Fatalf("SOPInstanceUID = %q, want 5.5.5", identity.SOPInstanceUID)
	}
	if identity.PatientID != "P1" {
		t.Fatalf("PatientID = %q, want P1", identity.PatientID)
	}
}

func TestDecode_Invalid(t *testing.T) {
	tests := map[string][]byte{
		"empty":     nil,
		"text":      []byte("definitely not a dicom file"),
		"truncated": fullAttributes().Part10(dicomfile.ExplicitVRLittleEndian)[:100],
		"meta only": dicomfile.Wrap(dicomfile.MetaInfo{
			SOPClassUID:       dicomfile.SecondaryCaptureImageStorage,
			SOPInstanceUID:    "9.9.9",
			TransferSyntaxUID: dicomfile.ExplicitVRLittleEndian,
		}, nil),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			if err == nil {
				t.Fatal("Decode() expected error")
			}
			if !errors.Is(err, models.ErrDecode) {
				t.Fatalf("Decode() error = %v, want ErrDecode", err)
			}
		})
	}
}

func TestExtract_NilDataset(t *testing.T) {
	identity := Extract(nil, "")
	if identity.SOPInstanceUID != models.UnknownUID {
		t.Fatalf("SOPInstanceUID = %q, want %q", identity.SOPInstanceUID, models.UnknownUID)
	}
	if identity.PatientID != models.UnknownPatientID {
		t.Fatalf("PatientID = %q", identity.PatientID)
	}
}
