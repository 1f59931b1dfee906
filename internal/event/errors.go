package event

import (
	"errors"
	"fmt"
	"strings"
)

// Error is the structured error type for every failure that concerns an
// envelope: validation, concurrency, integrity and replay.
//
// Error carries the identifying fields of the envelope involved so callers
// can diagnose without parsing messages. Fields that are not known at the
// failure site are left empty.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	EventID     string
	AggregateID string
	EventType   string

	// Version is the envelope version involved. For integrity errors this
	// is the first version whose hash diverges.
	Version int64

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes envelope errors.
type ErrorCode string

const (
	// CodeValidation indicates a malformed envelope or payload. Nothing was stored.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeUnknownEventType indicates an event type (or schema version) that is
	// not in the registry.
	CodeUnknownEventType ErrorCode = "UNKNOWN_EVENT_TYPE"

	// CodeConcurrencyConflict indicates the expected version did not match the
	// stream head. The caller should reload and retry.
	CodeConcurrencyConflict ErrorCode = "CONCURRENCY_CONFLICT"

	// CodeIntegrity indicates a hash chain or signature mismatch.
	CodeIntegrity ErrorCode = "INTEGRITY"

	// CodeUnhandledEventType indicates replay reached a type with no handler
	// and no fallback.
	CodeUnhandledEventType ErrorCode = "UNHANDLED_EVENT_TYPE"

	// CodeCorruption indicates structurally impossible data, such as a
	// causation cycle or a version gap in a stored stream.
	CodeCorruption ErrorCode = "CORRUPTION"
)

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)

	var ids []string
	if e.AggregateID != "" {
		ids = append(ids, "aggregate="+e.AggregateID)
	}
	if e.Version > 0 {
		ids = append(ids, fmt.Sprintf("version=%d", e.Version))
	}
	if e.EventID != "" {
		ids = append(ids, "event="+e.EventID)
	}
	if e.EventType != "" {
		ids = append(ids, "type="+e.EventType)
	}
	if len(ids) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ids, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// HasCode reports whether any *Error in err's chain has the given code.
// A validation error caused by an unknown type matches both codes.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// AsError extracts the *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func IsValidation(err error) bool          { return HasCode(err, CodeValidation) }
func IsUnknownEventType(err error) bool    { return HasCode(err, CodeUnknownEventType) }
func IsConcurrencyConflict(err error) bool { return HasCode(err, CodeConcurrencyConflict) }
func IsIntegrity(err error) bool           { return HasCode(err, CodeIntegrity) }
func IsUnhandledEventType(err error) bool  { return HasCode(err, CodeUnhandledEventType) }
func IsCorruption(err error) bool          { return HasCode(err, CodeCorruption) }

// NewValidationError creates an Error for a rejected envelope or payload.
func NewValidationError(aggregateID, eventType, message string, cause error) *Error {
	return &Error{
		Code:        CodeValidation,
		Message:     message,
		AggregateID: aggregateID,
		EventType:   eventType,
		Err:         cause,
	}
}

// NewUnknownEventTypeError creates an Error for a type missing from the registry.
func NewUnknownEventTypeError(eventType string, schemaVersion int) *Error {
	msg := "event type is not registered"
	if schemaVersion > 0 {
		msg = fmt.Sprintf("event type schema version %d is not registered", schemaVersion)
	}
	return &Error{
		Code:      CodeUnknownEventType,
		Message:   msg,
		EventType: eventType,
	}
}

// NewConcurrencyConflict creates an Error for an optimistic concurrency miss.
func NewConcurrencyConflict(aggregateID, eventID string, expected, actual int64) *Error {
	return &Error{
		Code:        CodeConcurrencyConflict,
		Message:     fmt.Sprintf("expected version %d but stream is at %d", expected, actual),
		AggregateID: aggregateID,
		EventID:     eventID,
		Version:     expected + 1,
		Details: map[string]string{
			"expected_version": fmt.Sprintf("%d", expected),
			"actual_version":   fmt.Sprintf("%d", actual),
		},
	}
}

// NewIntegrityError creates an Error for the first envelope whose chain
// hash or signature does not verify.
func NewIntegrityError(env Envelope, reason string) *Error {
	return &Error{
		Code:        CodeIntegrity,
		Message:     reason,
		EventID:     env.EventID,
		AggregateID: env.AggregateID,
		EventType:   env.Type,
		Version:     env.Version,
	}
}

// NewUnhandledEventTypeError creates an Error for a replay that reached a
// type with no handler.
func NewUnhandledEventTypeError(env Envelope) *Error {
	return &Error{
		Code:        CodeUnhandledEventType,
		Message:     "no handler registered for event type",
		EventID:     env.EventID,
		AggregateID: env.AggregateID,
		EventType:   env.Type,
		Version:     env.Version,
	}
}

// NewCorruptionError creates an Error for structurally impossible data.
func NewCorruptionError(message string, details map[string]string) *Error {
	return &Error{
		Code:    CodeCorruption,
		Message: message,
		Details: details,
	}
}
