package dicomfile

// Attributes are the identity attributes of a minimal instance. Empty fields
// are omitted from the encoded dataset.
type Attributes struct {
	SOPClassUID       string
	SOPInstanceUID    string
	StudyDate         string
	StudyTime         string
	Modality          string
	StudyDescription  string
	SeriesDescription string
	PatientName       string
	PatientID         string
	StudyInstanceUID  string
	SeriesInstanceUID string
}

// SecondaryCaptureImageStorage is used when no SOP class is given.
const SecondaryCaptureImageStorage = "1.2.840.10008.5.1.4.1.1.7"

// Elements returns the dataset elements for the non-empty attributes.
func (a Attributes) Elements() []Element {
	fields := []struct {
		group, element uint16
		vr, value      string
	}{
		{0x0008, 0x0016, "UI", a.SOPClassUID},
		{0x0008, 0x0018, "UI", a.SOPInstanceUID},
		{0x0008, 0x0020, "DA", a.StudyDate},
		{0x0008, 0x0030, "TM", a.StudyTime},
		{0x0008, 0x0060, "CS", a.Modality},
		{0x0008, 0x1030, "LO", a.StudyDescription},
		{0x0008, 0x103E, "LO", a.SeriesDescription},
		{0x0010, 0x0010, "PN", a.PatientName},
		{0x0010, 0x0020, "LO", a.PatientID},
		{0x0020, 0x000D, "UI", a.StudyInstanceUID},
		{0x0020, 0x000E, "UI", a.SeriesInstanceUID},
	}

	var out []Element
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		out = append(out, String(f.group, f.element, f.vr, f.value))
	}
	return out
}

// Dataset encodes the attributes without a file meta group, as they travel
// inside a C-STORE request.
func (a Attributes) Dataset(transferSyntaxUID string) []byte {
	if transferSyntaxUID == ImplicitVRLittleEndian {
		return EncodeImplicitLE(a.Elements()...)
	}
	return EncodeExplicitLE(a.Elements()...)
}

// Part10 encodes the attributes as a complete file.
func (a Attributes) Part10(transferSyntaxUID string) []byte {
	classUID := a.SOPClassUID
	if classUID == "" {
		classUID = SecondaryCaptureImageStorage
	}
	return File(MetaInfo{
		SOPClassUID:       classUID,
		SOPInstanceUID:    a.SOPInstanceUID,
		TransferSyntaxUID: transferSyntaxUID,
	}, a.Elements()...)
}
