package dcb

import (
	"errors"
	"fmt"
)

type (

	// EventStoreError represents a base error type for event store operations
	EventStoreError struct {
		Op  string // Operation that failed
		Err error  // The underlying error
	}

	// ValidationError represents an error in event or query validation
	ValidationError struct {
		EventStoreError
		Field string // The field that failed validation
		Value string // The invalid value
	}

	// BatchError represents a structurally invalid append batch, such as an
	// empty batch or a batch carrying more than one idempotency key
	BatchError struct {
		EventStoreError
		Size int // Number of events in the offending batch
	}

	// ConcurrencyError represents a violated append condition: at least one
	// event matching Query was committed after After (or at all, when After
	// is nil)
	ConcurrencyError struct {
		EventStoreError
		Query Query
		After *EventReference
	}

	// SerializationError represents a payload that failed the write-side
	// codec round-trip check
	SerializationError struct {
		EventStoreError
		EventType string
	}

	// InadmissibleTypeError represents an event whose type is not in the
	// stream's admitted set
	InadmissibleTypeError struct {
		EventStoreError
		EventType string
		Stream    StreamID
	}

	// NonSpecificStreamError represents an append attempted on a wildcard
	// stream facade
	NonSpecificStreamError struct {
		EventStoreError
		Stream StreamID
	}

	// DuplicateTypeNameError represents two registered roots contributing the
	// same simple type name
	DuplicateTypeNameError struct {
		EventStoreError
		TypeName string
	}

	// SealingRequiredError represents a root registered without an
	// enumerable variant set
	SealingRequiredError struct {
		EventStoreError
		TypeName string
	}

	// RegistryError represents any other type-registration failure, such as
	// an upcaster whose target type is unknown
	RegistryError struct {
		EventStoreError
		TypeName string
	}

	// LimitError represents a query that would exceed the storage-wide
	// absolute result limit
	LimitError struct {
		EventStoreError
		Requested int
		Absolute  int
	}

	// ResourceError represents an error related to resource management
	ResourceError struct {
		EventStoreError
		Resource string // The resource that caused the error
	}

	// StoreClosedError represents an operation attempted after Stop
	StoreClosedError struct {
		EventStoreError
	}

	// TooManyProjectionsError represents an error when too many projections
	// are running concurrently
	TooManyProjectionsError struct {
		EventStoreError
		MaxConcurrent int
	}

	// ProjectorError wraps an error raised by a projection handler or batch
	// hook. OffendingRef identifies the event being delivered when the
	// handler failed, if any.
	ProjectorError struct {
		EventStoreError
		OffendingRef *EventReference
	}
)

// Error implements the error interface
func (e EventStoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

// Unwrap returns the underlying error
func (e EventStoreError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Error Detection Helpers
// =============================================================================

// IsValidationError checks if the error is a ValidationError
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// IsBatchError checks if the error is a BatchError
func IsBatchError(err error) bool {
	var batchErr *BatchError
	return errors.As(err, &batchErr)
}

// IsConcurrencyError checks if the error is a ConcurrencyError
func IsConcurrencyError(err error) bool {
	var concurrencyErr *ConcurrencyError
	return errors.As(err, &concurrencyErr)
}

// IsSerializationError checks if the error is a SerializationError
func IsSerializationError(err error) bool {
	var serializationErr *SerializationError
	return errors.As(err, &serializationErr)
}

// IsInadmissibleTypeError checks if the error is an InadmissibleTypeError
func IsInadmissibleTypeError(err error) bool {
	var inadmissibleErr *InadmissibleTypeError
	return errors.As(err, &inadmissibleErr)
}

// IsNonSpecificStreamError checks if the error is a NonSpecificStreamError
func IsNonSpecificStreamError(err error) bool {
	var nonSpecificErr *NonSpecificStreamError
	return errors.As(err, &nonSpecificErr)
}

// IsDuplicateTypeNameError checks if the error is a DuplicateTypeNameError
func IsDuplicateTypeNameError(err error) bool {
	var duplicateErr *DuplicateTypeNameError
	return errors.As(err, &duplicateErr)
}

// IsSealingRequiredError checks if the error is a SealingRequiredError
func IsSealingRequiredError(err error) bool {
	var sealingErr *SealingRequiredError
	return errors.As(err, &sealingErr)
}

// IsLimitError checks if the error is a LimitError
func IsLimitError(err error) bool {
	var limitErr *LimitError
	return errors.As(err, &limitErr)
}

// IsResourceError checks if the error is a ResourceError
func IsResourceError(err error) bool {
	var resourceErr *ResourceError
	return errors.As(err, &resourceErr)
}

// IsStoreClosedError checks if the error is a StoreClosedError
func IsStoreClosedError(err error) bool {
	var closedErr *StoreClosedError
	return errors.As(err, &closedErr)
}

// IsTooManyProjectionsError checks if the error is a TooManyProjectionsError
func IsTooManyProjectionsError(err error) bool {
	var tooManyErr *TooManyProjectionsError
	return errors.As(err, &tooManyErr)
}

// IsProjectorError checks if the error is a ProjectorError
func IsProjectorError(err error) bool {
	var projectorErr *ProjectorError
	return errors.As(err, &projectorErr)
}

// =============================================================================
// Error Extraction Helpers
// =============================================================================

// GetConcurrencyError extracts a ConcurrencyError from the error chain
func GetConcurrencyError(err error) (*ConcurrencyError, bool) {
	var concurrencyErr *ConcurrencyError
	if errors.As(err, &concurrencyErr) {
		return concurrencyErr, true
	}
	return nil, false
}

// GetValidationError extracts a ValidationError from the error chain
func GetValidationError(err error) (*ValidationError, bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr, true
	}
	return nil, false
}

// GetProjectorError extracts a ProjectorError from the error chain
func GetProjectorError(err error) (*ProjectorError, bool) {
	var projectorErr *ProjectorError
	if errors.As(err, &projectorErr) {
		return projectorErr, true
	}
	return nil, false
}

// GetLimitError extracts a LimitError from the error chain
func GetLimitError(err error) (*LimitError, bool) {
	var limitErr *LimitError
	if errors.As(err, &limitErr) {
		return limitErr, true
	}
	return nil, false
}
