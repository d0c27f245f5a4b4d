package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a pipeline failure so callers can render a specific message.
type Kind string

const (
	None                   Kind = ""
	InvalidCode            Kind = "INVALID_CODE"
	SessionInactive        Kind = "SESSION_INACTIVE"
	SessionExpired         Kind = "SESSION_EXPIRED"
	LocationMismatch       Kind = "LOCATION_MISMATCH"
	LocationUnavailable    Kind = "LOCATION_UNAVAILABLE"
	NoReferenceImage       Kind = "NO_REFERENCE_IMAGE"
	FaceMismatch           Kind = "FACE_MISMATCH"
	FaceServiceUnavailable Kind = "FACE_SERVICE_UNAVAILABLE"
	StorageUnavailable     Kind = "STORAGE_UNAVAILABLE"
	CommitFailed           Kind = "COMMIT_FAILED"
	Unauthorized           Kind = "UNAUTHORIZED"
	NotASupervisor         Kind = "NOT_A_SUPERVISOR"
	MalformedRecord        Kind = "MALFORMED_RECORD"
	VerificationExpired    Kind = "VERIFICATION_EXPIRED"
	StepOutOfOrder         Kind = "STEP_OUT_OF_ORDER"
	InvalidArgument        Kind = "INVALID_ARGUMENT"
	NotFound               Kind = "NOT_FOUND"
	NotSessionOwner        Kind = "NOT_SESSION_OWNER"
	RateLimited            Kind = "RATE_LIMITED"
	Internal               Kind = "INTERNAL"
)

// GeofenceDetail carries what a client needs to explain a location rejection.
type GeofenceDetail struct {
	Distance      float64 `json:"distance"`
	Radius        float64 `json:"radius"`
	AccuracyLevel string  `json:"accuracy_level"`
	Certain       bool    `json:"certain"`
}

// Error is the typed error returned by every pipeline step.
type Error struct {
	Kind     Kind
	Message  string
	Geofence *GeofenceDetail
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Mismatch builds a LocationMismatch error carrying the computed distance and allowed radius.
func Mismatch(msg string, detail GeofenceDetail) *Error {
	return &Error{Kind: LocationMismatch, Message: msg, Geofence: &detail}
}

// KindOf returns the kind of err, Internal for untyped errors and None for nil.
func KindOf(err error) Kind {
	if err == nil {
		return None
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the caller may retry automatically with backoff.
// Only StorageUnavailable qualifies: it implies nothing was committed.
func Retryable(err error) bool {
	return Is(err, StorageUnavailable)
}

// HTTPStatus maps a kind to the response status used by the HTTP surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case None:
		return http.StatusOK
	case InvalidArgument, InvalidCode:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotASupervisor, NotSessionOwner:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case RateLimited:
		return http.StatusTooManyRequests
	case SessionInactive, SessionExpired, VerificationExpired, StepOutOfOrder:
		return http.StatusConflict
	case NoReferenceImage, LocationMismatch, FaceMismatch, LocationUnavailable:
		return http.StatusUnprocessableEntity
	case FaceServiceUnavailable:
		return http.StatusBadGateway
	case StorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
