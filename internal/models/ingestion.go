package models

// IngestionResult is the outcome of ingesting one object or one archive member.
type IngestionResult struct {
	Filename   string            `json:"filename"`
	Success    bool              `json:"success"`
	Created    bool              `json:"created,omitempty"`
	StorageKey string            `json:"storageKey,omitempty"`
	Metadata   *InstanceIdentity `json:"metadata,omitempty"`
	Error      string            `json:"error,omitempty"`

	// Err keeps the typed error for status mapping; it is not serialized.
	Err error `json:"-"`
}

// SkippedEntry is an archive member that was not recognized as a DICOM object.
type SkippedEntry struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

// BatchSummary aggregates the results of one archive or multi-file upload.
type BatchSummary struct {
	ArchiveName     string            `json:"archiveName"`
	TotalEntries    int               `json:"totalEntries"`
	ProcessedCount  int               `json:"processedCount"`
	SuccessfulCount int               `json:"successfulCount"`
	FailedCount     int               `json:"failedCount"`
	SkippedCount    int               `json:"skippedCount"`
	Results         []IngestionResult `json:"results"`
	Skipped         []SkippedEntry    `json:"skipped,omitempty"`
}

// Add appends a result and updates the counters.
func (s *BatchSummary) Add(r IngestionResult) {
	s.Results = append(s.Results, r)
	s.ProcessedCount++
	if r.Success {
		s.SuccessfulCount++
	} else {
		s.FailedCount++
	}
}

// Skip records a member that was not attempted.
func (s *BatchSummary) Skip(name, reason string) {
	s.Skipped = append(s.Skipped, SkippedEntry{Filename: name, Reason: reason})
	s.SkippedCount++
}
