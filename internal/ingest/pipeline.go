// Package ingest runs the single-object ingestion pipeline and the batch
// orchestrator built on top of it.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/otcheredev/dicom-ingestor/internal/catalog"
	"github.com/otcheredev/dicom-ingestor/internal/metadata"
	"github.com/otcheredev/dicom-ingestor/internal/metrics"
	"github.com/otcheredev/dicom-ingestor/internal/models"
	"github.com/otcheredev/dicom-ingestor/internal/objectstore"
	"github.com/otcheredev/dicom-ingestor/internal/storagepath"
	"github.com/otcheredev/dicom-ingestor/pkg/logger"
)

// Object is one DICOM Part 10 object submitted for ingestion.
type Object struct {
	Data []byte
	// SourceName is the original file name, if any. Its stem names the
	// stored object.
	SourceName     string
	Source         models.IngestSource
	RemoteAddr     string
	CallingAETitle string
	// ReadErr is set when the object's bytes could not be read. Ingest then
	// reports it as failed without decoding.
	ReadErr error
}

// Options tune the pipeline.
type Options struct {
	// MaxObjectSize rejects larger objects before decoding. Zero disables
	// the check.
	MaxObjectSize int64
}

// Pipeline decodes, stores and catalogs objects. It is safe for concurrent
// use; the catalog writer is the only shared mutable state.
type Pipeline struct {
	store   objectstore.Gateway
	catalog *catalog.Writer
	audit   catalog.AuditLog
	opts    Options
	log     zerolog.Logger
	now     func() time.Time
}

// NewPipeline creates a pipeline. audit may be nil.
func NewPipeline(store objectstore.Gateway, writer *catalog.Writer, audit catalog.AuditLog, opts Options) *Pipeline {
	return &Pipeline{
		store:   store,
		catalog: writer,
		audit:   audit,
		opts:    opts,
		log:     logger.Component("ingest"),
		now:     time.Now,
	}
}

// decoded is an object whose identity and storage key are known.
type decoded struct {
	obj      Object
	identity models.InstanceIdentity
	key      storagepath.StorageKey
	// cataloged is the key of an existing record, set on duplicates.
	cataloged string
}

// Ingest runs the full pipeline for obj. Failures are reported in the result,
// with the typed error in Err.
func (p *Pipeline) Ingest(ctx context.Context, obj Object) models.IngestionResult {
	start := p.now()

	if obj.ReadErr != nil {
		return p.finish(ctx, obj, nil, false, fmt.Errorf("read object: %w", obj.ReadErr), start)
	}

	d, err := p.decode(obj)
	if err != nil {
		return p.finish(ctx, obj, nil, false, err, start)
	}
	return p.ingestDecoded(ctx, d, start)
}

func (p *Pipeline) decode(obj Object) (*decoded, error) {
	if p.opts.MaxObjectSize > 0 && int64(len(obj.Data)) > p.opts.MaxObjectSize {
		return nil, models.NewError(models.ErrSizeLimitExceeded, "ingest",
			fmt.Errorf("object is %d bytes, limit is %d", len(obj.Data), p.opts.MaxObjectSize))
	}

	identity, err := metadata.Read(obj.Data)
	if err != nil {
		return nil, err
	}

	return &decoded{
		obj:      obj,
		identity: identity,
		key:      storagepath.Derive(identity, obj.SourceName),
	}, nil
}

func (p *Pipeline) ingestDecoded(ctx context.Context, d *decoded, start time.Time) models.IngestionResult {
	if err := ctx.Err(); err != nil {
		return p.finish(ctx, d.obj, d, false, err, start)
	}

	if err := p.store.Upload(ctx, d.key.String(), d.obj.Data); err != nil {
		return p.finish(ctx, d.obj, d, false, err, start)
	}

	created, err := p.catalog.RecordIfAbsent(ctx, d.identity, d.key, d.obj.Source)
	if err == nil && !created {
		key, lerr := p.catalog.StorageKeyOf(ctx, d.identity.SOPInstanceUID)
		if lerr != nil {
			p.log.Warn().Err(lerr).Str("sop_instance_uid", d.identity.SOPInstanceUID).Msg("Failed to resolve cataloged storage key")
		} else {
			d.cataloged = key
		}
	}
	return p.finish(ctx, d.obj, d, created, err, start)
}

// finish builds the result and records metrics, logs and the audit entry.
func (p *Pipeline) finish(ctx context.Context, obj Object, d *decoded, created bool, err error, start time.Time) models.IngestionResult {
	elapsed := p.now().Sub(start)
	source := string(obj.Source)

	result := models.IngestionResult{
		Filename: obj.SourceName,
		Success:  err == nil,
		Created:  created,
		Err:      err,
	}
	if d != nil {
		identity := d.identity
		result.Metadata = &identity
		result.StorageKey = d.key.String()
		if d.cataloged != "" {
			result.StorageKey = d.cataloged
		}
	}

	event := p.log.Info()
	status := models.AuditSuccess
	outcome := metrics.OutcomeCreated
	switch {
	case err != nil:
		result.Error = err.Error()
		status = models.AuditFailure
		outcome = metrics.OutcomeFailed
		event = p.log.Warn().Err(err)
	case !created:
		status = models.AuditDuplicate
		outcome = metrics.OutcomeDuplicate
	}

	metrics.Ingestions.WithLabelValues(source, outcome).Inc()
	metrics.IngestDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	if err == nil {
		metrics.ObjectBytes.Observe(float64(len(obj.Data)))
	}

	event.
		Str("source", source).
		Str("filename", obj.SourceName).
		Str("calling_ae", obj.CallingAETitle).
		Str("storage_key", result.StorageKey).
		Str("outcome", outcome).
		Dur("duration", elapsed).
		Msg("Ingestion finished")

	p.recordAudit(ctx, obj, result, status, elapsed)
	return result
}

func (p *Pipeline) recordAudit(ctx context.Context, obj Object, result models.IngestionResult, status string, elapsed time.Duration) {
	if p.audit == nil {
		return
	}

	entry := &models.IngestionAudit{
		Source:         obj.Source,
		SourceName:     obj.SourceName,
		RemoteAddr:     obj.RemoteAddr,
		CallingAETitle: obj.CallingAETitle,
		StorageKey:     result.StorageKey,
		Status:         status,
		ErrorMessage:   result.Error,
		Duration:       elapsed.Milliseconds(),
	}
	if result.Metadata != nil {
		entry.SOPInstanceUID = result.Metadata.SOPInstanceUID
	}

	// The request context may already be cancelled; the audit row should
	// still be written.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := p.audit.Create(auditCtx, entry); err != nil {
		p.log.Error().Err(err).Msg("Failed to write ingestion audit entry")
	}
}
