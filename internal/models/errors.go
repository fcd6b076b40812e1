package models

import (
	"errors"
	"fmt"
)

// Error kinds shared by the ingestion pipeline, the catalog and the
// association service.
var (
	ErrDecode             = errors.New("not a valid DICOM object")
	ErrValidation         = errors.New("validation failed")
	ErrSizeLimitExceeded  = errors.New("size limit exceeded")
	ErrStoreUnavailable   = errors.New("object store unavailable")
	ErrCatalogUnavailable = errors.New("catalog unavailable")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrNotFound           = errors.New("not found")
)

// IngestError attaches an operation name to one of the error kinds above.
type IngestError struct {
	Kind error
	Op   string
	Err  error
}

func (e *IngestError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *IngestError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError wraps err with the given kind.
func NewError(kind error, op string, err error) error {
	return &IngestError{Kind: kind, Op: op, Err: err}
}

// IsClientError reports whether err was caused by the submitted content
// rather than by infrastructure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrSizeLimitExceeded)
}
