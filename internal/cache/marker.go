package cache

import (
	"context"
	"errors"
	"time"
)

const ingestedNamespace = "ingested"

// IngestedMarkers remembers which SOP Instance UIDs have been cataloged, and
// under which storage key, so repeated deliveries can skip the catalog.
type IngestedMarkers struct {
	cache Cache
	ttl   time.Duration
}

// NewIngestedMarkers wraps c. A zero ttl keeps markers for 24 hours.
func NewIngestedMarkers(c Cache, ttl time.Duration) *IngestedMarkers {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IngestedMarkers{cache: c, ttl: ttl}
}

// Mark records that sopInstanceUID is cataloged under storageKey.
func (m *IngestedMarkers) Mark(ctx context.Context, sopInstanceUID, storageKey string) error {
	return m.cache.Set(ctx, Key(ingestedNamespace, sopInstanceUID), []byte(storageKey), m.ttl)
}

// Lookup returns the storage key recorded for sopInstanceUID. found is false
// on a miss; err is only set when the cache itself failed.
func (m *IngestedMarkers) Lookup(ctx context.Context, sopInstanceUID string) (storageKey string, found bool, err error) {
	val, err := m.cache.Get(ctx, Key(ingestedNamespace, sopInstanceUID))
	if errors.Is(err, ErrCacheMiss) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(val), true, nil
}

// Forget drops the marker for sopInstanceUID.
func (m *IngestedMarkers) Forget(ctx context.Context, sopInstanceUID string) error {
	return m.cache.Delete(ctx, Key(ingestedNamespace, sopInstanceUID))
}

// Has reports whether a marker exists for sopInstanceUID without reading it.
func (m *IngestedMarkers) Has(ctx context.Context, sopInstanceUID string) (bool, error) {
	return m.cache.Exists(ctx, Key(ingestedNamespace, sopInstanceUID))
}
