package storagepath

import (
	"strings"
	"testing"

	"github.com/otcheredev/dicom-ingestor/internal/models"
)

func TestDerive_Scenario(t *testing.T) {
	identity := models.InstanceIdentity{
		PatientID:         "PAT1",
		PatientName:       "Doe^John",
		StudyInstanceUID:  "1.2.3",
		SeriesInstanceUID: "1.2.3.4",
		SOPInstanceUID:    "1.2.3.4.5",
		Modality:          "CT",
		StudyDate:         "20240101",
		StudyDescription:  "CT Chest",
		SeriesDescription: "Axial",
	}

	got := Derive(identity, "img1")
	want := StorageKey("Patient_Doe_John_PAT1/2024-01-01_CT_Chest/CT_Axial/img1.dcm")
	if got != want {
		t.Fatalf("Derive() = %q, want %q", got, want)
	}
}

func TestDerive_Deterministic(t *testing.T) {
	identities := []models.InstanceIdentity{
		{PatientName: "Smith^Jane", PatientID: "X/9", StudyDate: "2023", Modality: "MR", SOPInstanceUID: "1.2"},
		{PatientName: strings.Repeat("long name ", 20), PatientID: "P", SOPInstanceUID: "1.3"},
		{},
	}
	for _, id := range identities {
		first := Derive(id, "")
		second := Derive(id, "")
		if first != second {
			t.Errorf("Derive not deterministic: %q vs %q", first, second)
		}
	}
}

func TestDerive_Defaults(t *testing.T) {
	identity := models.InstanceIdentity{
		PatientID:         models.UnknownPatientID,
		PatientName:       models.UnknownValue,
		SOPInstanceUID:    "1.2.826.0.1",
		Modality:          models.UnknownValue,
		StudyDate:         models.UnknownUID,
		StudyDescription:  models.UnknownValue,
		SeriesDescription: models.UnknownValue,
	}

	key := Derive(identity, "")
	segments := strings.Split(key.String(), "/")
	if len(segments) != 4 {
		t.Fatalf("expected 4 segments, got %d (%q)", len(segments), key)
	}
	if !strings.Contains(segments[0], "unknown_patient") {
		t.Errorf("patient segment %q missing sentinel", segments[0])
	}
	if !strings.HasPrefix(segments[1], "Unknown-Date") {
		t.Errorf("study segment %q missing Unknown-Date", segments[1])
	}
	if !strings.HasPrefix(segments[2], "Unknown") {
		t.Errorf("series segment %q missing Unknown modality", segments[2])
	}
	if segments[3] != "1.2.826.0.1.dcm" {
		t.Errorf("leaf = %q, want SOP UID leaf", segments[3])
	}
}

func TestDerive_EmptyIdentityStillUsable(t *testing.T) {
	key := Derive(models.InstanceIdentity{}, "")
	if key == "" || strings.Contains(key.String(), "//") {
		t.Fatalf("unusable key %q", key)
	}
	if strings.HasPrefix(key.String(), "/") || strings.HasSuffix(key.String(), "/") {
		t.Fatalf("key has leading or trailing separator: %q", key)
	}
}

func TestDerive_LeafFromSourceName(t *testing.T) {
	identity := models.InstanceIdentity{SOPInstanceUID: "1.2.3"}
	tests := []struct {
		source string
		want   string
	}{
		{"scan.dcm", "scan.dcm"},
		{"folder/sub/IM0001", "IM0001.dcm"},
		{`folder\IM0002.DCM`, "IM0002.dcm"},
		{"", "1.2.3.dcm"},
		{".dcm", "1.2.3.dcm"},
		{"we?ird*name.dcm", "weirdname.dcm"},
	}
	for _, tt := range tests {
		segments := strings.Split(Derive(identity, tt.source).String(), "/")
		if got := segments[len(segments)-1]; got != tt.want {
			t.Errorf("leaf for %q = %q, want %q", tt.source, got, tt.want)
		}
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "Unknown"},
		{"whitespace", "   \t", "Unknown"},
		{"plain", "Axial", "Axial"},
		{"spaces", "CT Chest", "CT_Chest"},
		{"invalid chars", `a<b>c:d"e/f\g|h?i*j`, "a_b_c_d_e_f_g_h_i_j"},
		{"collapse underscores", "a___b", "a_b"},
		{"trim underscores", "__abc__", "abc"},
		{"only underscores", "____", "Unknown"},
		{"only invalid", "???", "Unknown"},
		{"truncate", strings.Repeat("x", 60), strings.Repeat("x", 47) + "..."},
		{"exactly fifty", strings.Repeat("y", 50), strings.Repeat("y", 50)},
		{"unicode", "Müller^Jörg", "Müller^Jörg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	inputs := []string{
		"",
		"CT Chest",
		"__a__b__",
		strings.Repeat("ab_", 30),
		strings.Repeat("_", 49) + "z" + strings.Repeat("q", 10),
		"Doe_John",
		"  padded  ",
		"tab\tand\nnewline",
		strings.Repeat("ä", 70),
	}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize not idempotent for %q: %q -> %q", in, once, twice)
		}
		if len([]rune(once)) > 50 {
			t.Errorf("Sanitize(%q) longer than 50 runes: %q", in, once)
		}
	}
}

func TestFormatStudyDate(t *testing.T) {
	tests := map[string]string{
		"20240101":  "2024-01-01",
		"19991231":  "1999-12-31",
		"2024010":   "Unknown-Date",
		"202401011": "Unknown-Date",
		"2024-1-1":  "Unknown-Date",
		"unknown":   "Unknown-Date",
		"":          "Unknown-Date",
	}
	for in, want := range tests {
		if got := FormatStudyDate(in); got != want {
			t.Errorf("FormatStudyDate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatPatientName(t *testing.T) {
	if got := FormatPatientName("Doe^John Q"); got != "Doe_John_Q" {
		t.Fatalf("FormatPatientName = %q", got)
	}
}
