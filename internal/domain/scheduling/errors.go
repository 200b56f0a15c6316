package scheduling

import (
	"errors"
	"fmt"
	"strings"
)

// Business-rule errors returned by the schedule store, slot generator and
// booking ledger. Callers match them with errors.Is.
var (
	ErrSlotUnavailable        = errors.New("slot is not available")
	ErrDuplicateBooking       = errors.New("patient already holds an appointment for this slot")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotFound               = errors.New("not found")
	ErrValidation             = errors.New("validation failed")
)

// ErrStorage marks infrastructure failures (connection loss, lock timeout).
// These are safe to retry and are never caused by the request itself.
var ErrStorage = errors.New("storage unavailable")

// ValidationError lists the offending fields of a rejected write.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func newValidationError(fields ...string) error {
	return &ValidationError{Fields: fields}
}

// StorageError wraps an infrastructure error so that it matches ErrStorage.
func StorageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// Kind names the error category of err, or "" for unclassified errors.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSlotUnavailable):
		return "SlotUnavailable"
	case errors.Is(err, ErrDuplicateBooking):
		return "DuplicateBooking"
	case errors.Is(err, ErrInvalidStateTransition):
		return "InvalidStateTransition"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrStorage):
		return "StorageUnavailable"
	}
	return ""
}

// IsBusinessRule reports whether err comes from a domain rule rather than
// from infrastructure.
func IsBusinessRule(err error) bool {
	k := Kind(err)
	return k != "" && k != "StorageUnavailable"
}
