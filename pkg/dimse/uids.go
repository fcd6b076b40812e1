package dimse

// Application context and service class UIDs
const (
	ApplicationContextUID  = "1.2.840.10008.3.1.1.1"
	VerificationSOPClass   = "1.2.840.10008.1.1"
	ImplementationClassUID = "1.2.826.0.1.3680043.9.7433.1.2"
	ImplementationVersion  = "DICOM_INGESTOR_V1"
)

// Transfer syntax UIDs
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
	JPEGBaseline           = "1.2.840.10008.1.2.4.50"
	JPEGLosslessFirstOrder = "1.2.840.10008.1.2.4.70"
	JPEG2000Lossless       = "1.2.840.10008.1.2.4.90"
	JPEG2000               = "1.2.840.10008.1.2.4.91"
	RLELossless            = "1.2.840.10008.1.2.5"
)

// SupportedTransferSyntaxes are accepted by the storage service. Objects are
// stored as received, never transcoded.
var SupportedTransferSyntaxes = []string{
	ImplicitVRLittleEndian,
	ExplicitVRLittleEndian,
	ExplicitVRBigEndian,
	JPEGBaseline,
	JPEGLosslessFirstOrder,
	JPEG2000Lossless,
	JPEG2000,
	RLELossless,
}

// DefaultStorageSOPClasses are proposed by the SCU when no abstract syntaxes
// are configured.
var DefaultStorageSOPClasses = []string{
	"1.2.840.10008.5.1.4.1.1.1",    // Computed Radiography Image Storage
	"1.2.840.10008.5.1.4.1.1.1.1",  // Digital X-Ray Image Storage - For Presentation
	"1.2.840.10008.5.1.4.1.1.2",    // CT Image Storage
	"1.2.840.10008.5.1.4.1.1.4",    // MR Image Storage
	"1.2.840.10008.5.1.4.1.1.6.1",  // Ultrasound Image Storage
	"1.2.840.10008.5.1.4.1.1.7",    // Secondary Capture Image Storage
	"1.2.840.10008.5.1.4.1.1.12.1", // X-Ray Angiographic Image Storage
	"1.2.840.10008.5.1.4.1.1.20",   // Nuclear Medicine Image Storage
	"1.2.840.10008.5.1.4.1.1.128",  // Positron Emission Tomography Image Storage
}

// IsSupportedTransferSyntax reports whether uid is in SupportedTransferSyntaxes.
func IsSupportedTransferSyntax(uid string) bool {
	for _, ts := range SupportedTransferSyntaxes {
		if ts == uid {
			return true
		}
	}
	return false
}
