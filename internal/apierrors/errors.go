// Package apierrors defines the closed set of error kinds the orchestration
// core propagates, plus HTTP envelope writers for the public API.
package apierrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/livepeer/video-compositor-api/internal/log"
)

// Kind is a closed set of error categories. Components never define their
// own error types; they wrap one of these kinds so callers can dispatch on
// behavior (retryable, user-facing, recoverable) without type assertions.
type Kind string

const (
	Validation        Kind = "validation"
	NotFound          Kind = "not_found"
	NoSuitableNode    Kind = "no_suitable_node"
	BulkheadFull      Kind = "bulkhead_full"
	CircuitOpen       Kind = "circuit_open"
	Timeout           Kind = "timeout"
	Cancelled         Kind = "cancelled"
	TransientExternal Kind = "transient_external"
	FatalExternal     Kind = "fatal_external"
	Internal          Kind = "internal"
)

// DomainError is the single error type used across the orchestration core.
// Unwrap() exposes the cause so errors.Is/As still work against whatever the
// external collaborator returned.
type DomainError struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *DomainError {
	return &DomainError{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *DomainError {
	return &DomainError{Kind: kind, Message: message, Cause: cause}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DomainError) Unwrap() error { return e.Cause }

// KindOf extracts the Kind of err, defaulting to Internal for errors that
// were never wrapped by this package (e.g. a bare external-library error).
func KindOf(err error) Kind {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind
	}
	return Internal
}

// IsRetryable reports whether err's kind is one the step-retry policy and
// the resilience Retry primitive should attempt again.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case TransientExternal, Timeout, CircuitOpen:
		return true
	default:
		return false
	}
}

// IsRecoverable reports whether the orchestrator should surface this error
// as a recoverable failure (vs. a hard internal failure) per spec.md §4.9.
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case NoSuitableNode, Timeout, TransientExternal:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a Kind to the HTTP status code the API layer should use.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case BulkheadFull:
		return http.StatusTooManyRequests
	case CircuitOpen:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	case Cancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the uniform HTTP response shape for every endpoint, per
// spec.md §6: `{ success, data?, error?, message?, timestamp, correlationId? }`.
type Envelope struct {
	Success       bool        `json:"success"`
	Data          interface{} `json:"data,omitempty"`
	Error         string      `json:"error,omitempty"`
	Message       string      `json:"message,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

// WriteJSON writes a successful envelope with the given payload.
func WriteJSON(w http.ResponseWriter, status int, correlationID string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	env := Envelope{Success: true, Data: data, Timestamp: time.Now().UTC(), CorrelationID: correlationID}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.LogNoRequestID("error writing HTTP envelope", "err", err)
	}
}

// WriteError writes a failure envelope, deriving the status code from err's Kind.
func WriteError(w http.ResponseWriter, correlationID string, err error) *DomainError {
	var de *DomainError
	if !errors.As(err, &de) {
		de = &DomainError{Kind: Internal, Message: err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(de.Kind))
	env := Envelope{
		Success:       false,
		Error:         de.Error(),
		Message:       de.Message,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	if encErr := json.NewEncoder(w).Encode(env); encErr != nil {
		log.LogNoRequestID("error writing HTTP error envelope", "err", encErr)
	}
	return de
}
