package ingest

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/otcheredev/dicom-ingestor/internal/metrics"
	"github.com/otcheredev/dicom-ingestor/internal/models"
)

// DefaultMaxMemberSize is the largest archive member that will be read.
const DefaultMaxMemberSize int64 = 100 << 20

// ErrArchiveUnreadable is returned when an archive cannot be opened at all.
var ErrArchiveUnreadable = errors.New("archive unreadable")

const notDICOMReason = "not a valid DICOM file"

// BatchOptions tune the batch orchestrator.
type BatchOptions struct {
	MaxMemberSize int64
	// Workers bounds how many members are stored concurrently. Results keep
	// archive order regardless.
	Workers int
}

// Batch ingests archives and multi-file uploads through a Pipeline.
type Batch struct {
	pipeline      *Pipeline
	maxMemberSize int64
	workers       int
}

// NewBatch creates a batch orchestrator.
func NewBatch(p *Pipeline, opts BatchOptions) *Batch {
	b := &Batch{
		pipeline:      p,
		maxMemberSize: opts.MaxMemberSize,
		workers:       opts.Workers,
	}
	if b.maxMemberSize <= 0 {
		b.maxMemberSize = DefaultMaxMemberSize
	}
	if b.workers <= 0 {
		b.workers = 1
	}
	return b
}

// tooLargeMessage renders the size limit in whole megabytes.
func (b *Batch) tooLargeMessage() string {
	return fmt.Sprintf("File too large (exceeds %d MB)", b.maxMemberSize>>20)
}

// ProcessArchive ingests every member of a ZIP archive. Directory entries
// are ignored, members that are not DICOM are listed as skipped, and one
// member's failure never stops the others. An error is returned only when
// the archive cannot be opened or ctx is cancelled.
func (b *Batch) ProcessArchive(ctx context.Context, name string, r io.ReaderAt, size int64, base Object) (*models.BatchSummary, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveUnreadable, err)
	}

	summary := &models.BatchSummary{
		ArchiveName:  name,
		TotalEntries: len(zr.File),
		Results:      []models.IngestionResult{},
	}

	slots := make([]*models.IngestionResult, len(zr.File))
	g := new(errgroup.Group)
	g.SetLimit(b.workers)

	for i, f := range zr.File {
		if ctx.Err() != nil {
			break
		}
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			continue
		}

		obj := base
		obj.SourceName = f.Name

		if f.UncompressedSize64 > uint64(b.maxMemberSize) {
			slots[i] = b.failed(f.Name, models.ErrSizeLimitExceeded, b.tooLargeMessage())
			continue
		}

		data, err := b.readMember(f)
		if err != nil {
			if errors.Is(err, models.ErrSizeLimitExceeded) {
				slots[i] = b.failed(f.Name, err, b.tooLargeMessage())
			} else {
				slots[i] = b.failed(f.Name, err, err.Error())
			}
			continue
		}
		obj.Data = data

		start := b.pipeline.now()
		d, err := b.pipeline.decode(obj)
		if errors.Is(err, models.ErrDecode) {
			summary.Skip(f.Name, notDICOMReason)
			metrics.BatchEntries.WithLabelValues(metrics.OutcomeSkipped).Inc()
			continue
		}
		if err != nil {
			res := b.pipeline.finish(ctx, obj, nil, false, err, start)
			slots[i] = &res
			continue
		}

		g.Go(func() error {
			res := b.pipeline.ingestDecoded(ctx, d, start)
			slots[i] = &res
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, res := range slots {
		if res == nil {
			continue
		}
		summary.Add(*res)
		b.count(*res)
	}
	return summary, nil
}

// ProcessFiles ingests independently uploaded files. Unlike archive members,
// a file that is not DICOM counts as failed.
func (b *Batch) ProcessFiles(ctx context.Context, objects []Object) *models.BatchSummary {
	summary := &models.BatchSummary{
		TotalEntries: len(objects),
		Results:      []models.IngestionResult{},
	}

	results := make([]models.IngestionResult, len(objects))
	g := new(errgroup.Group)
	g.SetLimit(b.workers)
	for i, obj := range objects {
		g.Go(func() error {
			results[i] = b.pipeline.Ingest(ctx, obj)
			return nil
		})
	}
	g.Wait()

	for _, res := range results {
		summary.Add(res)
		b.count(res)
	}
	return summary
}

// readMember reads at most maxMemberSize bytes, guarding against headers
// that understate the real size.
func (b *Batch) readMember(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open archive member: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, b.maxMemberSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read archive member: %w", err)
	}
	if int64(len(data)) > b.maxMemberSize {
		return nil, models.NewError(models.ErrSizeLimitExceeded, "read member", nil)
	}
	return data, nil
}

func (b *Batch) failed(name string, err error, message string) *models.IngestionResult {
	b.pipeline.log.Warn().Str("filename", name).Err(err).Msg("Archive member failed")
	return &models.IngestionResult{
		Filename: name,
		Success:  false,
		Error:    message,
		Err:      err,
	}
}

func (b *Batch) count(res models.IngestionResult) {
	outcome := metrics.OutcomeCreated
	switch {
	case !res.Success:
		outcome = metrics.OutcomeFailed
	case !res.Created:
		outcome = metrics.OutcomeDuplicate
	}
	metrics.BatchEntries.WithLabelValues(outcome).Inc()
}
