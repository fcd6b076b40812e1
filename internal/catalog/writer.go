// Package catalog records each ingested instance exactly once, keyed by its
// SOP Instance UID.
package catalog

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-ingestor/internal/cache"
	"github.com/otcheredev/dicom-ingestor/internal/models"
	"github.com/otcheredev/dicom-ingestor/internal/storagepath"
)

// Writer serializes catalog writes per SOP Instance UID. Writes for distinct
// UIDs never wait on each other.
type Writer struct {
	store   Store
	markers *cache.IngestedMarkers
	locks   *keyedMutex
}

// NewWriter creates a writer over store. markers may be nil.
func NewWriter(store Store, markers *cache.IngestedMarkers) *Writer {
	return &Writer{
		store:   store,
		markers: markers,
		locks:   newKeyedMutex(),
	}
}

// RecordIfAbsent creates the catalog record for identity unless one already
// exists. created is false for a duplicate, which is not an error.
func (w *Writer) RecordIfAbsent(ctx context.Context, identity models.InstanceIdentity, key storagepath.StorageKey, source models.IngestSource) (created bool, err error) {
	uid := identity.SOPInstanceUID
	if uid == "" {
		return false, models.NewError(models.ErrValidation, "record instance", errors.New("missing SOP Instance UID"))
	}

	unlock := w.locks.Lock(uid)
	defer unlock()

	if w.cachedAsIngested(ctx, uid) {
		return false, nil
	}

	created, err = w.store.InsertIfAbsent(ctx, models.NewDicomInstance(identity, key.String(), source))
	if err != nil {
		return false, catalogError("record instance", err)
	}

	w.mark(ctx, uid, key.String())
	return created, nil
}

// Lookup returns the record for sopInstanceUID or an ErrNotFound error.
func (w *Writer) Lookup(ctx context.Context, sopInstanceUID string) (*models.DicomInstance, error) {
	rec, err := w.store.FindBySOPInstanceUID(ctx, sopInstanceUID)
	if errors.Is(err, models.ErrNotFound) {
		w.forget(ctx, sopInstanceUID)
	}
	if err != nil {
		return nil, catalogError("lookup instance", err)
	}
	return rec, nil
}

// StorageKeyOf returns the storage key under which sopInstanceUID is
// cataloged, from the marker cache when possible.
func (w *Writer) StorageKeyOf(ctx context.Context, sopInstanceUID string) (string, error) {
	if w.markers != nil {
		key, found, err := w.markers.Lookup(ctx, sopInstanceUID)
		if err != nil {
			log.Warn().Err(err).Str("sop_instance_uid", sopInstanceUID).Msg("Ingested marker lookup failed")
		}
		if found && key != "" {
			return key, nil
		}
	}

	rec, err := w.Lookup(ctx, sopInstanceUID)
	if err != nil {
		return "", err
	}
	w.mark(ctx, sopInstanceUID, rec.StorageKey)
	return rec.StorageKey, nil
}

// IsIngested reports whether sopInstanceUID has a catalog record, consulting
// the marker cache first.
func (w *Writer) IsIngested(ctx context.Context, sopInstanceUID string) (bool, error) {
	if w.cachedAsIngested(ctx, sopInstanceUID) {
		return true, nil
	}

	rec, err := w.store.FindBySOPInstanceUID(ctx, sopInstanceUID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, catalogError("check instance", err)
	}

	w.mark(ctx, sopInstanceUID, rec.StorageKey)
	return true, nil
}

func (w *Writer) cachedAsIngested(ctx context.Context, uid string) bool {
	if w.markers == nil {
		return false
	}
	found, err := w.markers.Has(ctx, uid)
	if err != nil {
		log.Warn().Err(err).Str("sop_instance_uid", uid).Msg("Ingested marker lookup failed")
		return false
	}
	return found
}

func (w *Writer) mark(ctx context.Context, uid, storageKey string) {
	if w.markers == nil {
		return
	}
	if err := w.markers.Mark(ctx, uid, storageKey); err != nil {
		log.Warn().Err(err).Str("sop_instance_uid", uid).Msg("Failed to set ingested marker")
	}
}

// forget drops a marker whose record no longer exists.
func (w *Writer) forget(ctx context.Context, uid string) {
	if w.markers == nil {
		return
	}
	if err := w.markers.Forget(ctx, uid); err != nil {
		log.Warn().Err(err).Str("sop_instance_uid", uid).Msg("Failed to drop stale ingested marker")
	}
}

// catalogError passes through typed errors and classifies anything else as
// the catalog being unavailable.
func catalogError(op string, err error) error {
	var ingestErr *models.IngestError
	if errors.As(err, &ingestErr) {
		return err
	}
	return models.NewError(models.ErrCatalogUnavailable, op, err)
}
