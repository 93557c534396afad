package domain

import (
	"errors"
	"fmt"
)

var (
	ErrConfig                = errors.New("invalid configuration")
	ErrStoreUnavailable      = errors.New("document store unavailable")
	ErrUnknownEntity         = errors.New("unknown entity")
	ErrLowConfidence         = errors.New("confidence below threshold")
	ErrSchemaViolation       = errors.New("schema violation")
	ErrMalformedResponse     = errors.New("malformed model response")
	ErrClassificationRequest = errors.New("classification request failed")
	ErrWriteFailed           = errors.New("document update failed")
	ErrTemporary             = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// ErrorKind names the semantic kind of a per-document error for run summaries.
func ErrorKind(err error) string {
	switch {
	case IsKind(err, ErrSchemaViolation):
		return "SchemaViolation"
	case IsKind(err, ErrMalformedResponse):
		return "MalformedResponse"
	case IsKind(err, ErrUnknownEntity):
		return "UnknownEntity"
	case IsKind(err, ErrClassificationRequest):
		return "ClassificationRequestError"
	case IsKind(err, ErrWriteFailed):
		return "WriteFailed"
	case IsKind(err, ErrStoreUnavailable):
		return "StoreUnavailable"
	default:
		return "Unexpected"
	}
}
