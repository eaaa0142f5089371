// Package apierr maps the system's error taxonomy to HTTP status codes and
// a stable JSON error body, shared by the origin and relay HTTP APIs.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Kind names one of the taxonomy's error categories.
type Kind string

const (
	KindLibraryRootMissing  Kind = "library_root_missing"
	KindParseFailure        Kind = "parse_failure"
	KindTrackNotFound       Kind = "track_not_found"
	KindCrateNotFound       Kind = "crate_not_found"
	KindCrateExists         Kind = "crate_exists"
	KindRangeNotSatisfiable Kind = "range_not_satisfiable"
	KindReadOnlyWriter      Kind = "read_only_writer"
	KindDeviceNotConnected  Kind = "device_not_connected"
	KindRequestTimeout      Kind = "request_timeout"
	KindCancelled           Kind = "cancelled"
	KindInvalidRequest      Kind = "invalid_request"
	KindUnauthorized        Kind = "unauthorized"
	KindInternal            Kind = "internal"
)

var statusByKind = map[Kind]int{
	KindLibraryRootMissing:  http.StatusServiceUnavailable,
	KindParseFailure:        http.StatusUnprocessableEntity,
	KindTrackNotFound:       http.StatusNotFound,
	KindCrateNotFound:       http.StatusNotFound,
	KindCrateExists:         http.StatusConflict,
	KindRangeNotSatisfiable: http.StatusRequestedRangeNotSatisfiable,
	KindReadOnlyWriter:      http.StatusNotImplemented,
	KindDeviceNotConnected:  http.StatusServiceUnavailable,
	KindRequestTimeout:      http.StatusGatewayTimeout,
	KindCancelled:           499, // client closed request, nginx convention
	KindInvalidRequest:      http.StatusBadRequest,
	KindUnauthorized:        http.StatusUnauthorized,
	KindInternal:            http.StatusInternalServerError,
}

// Error is a typed API error carrying both a Kind and a human message.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around an underlying cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: cause.Error(), cause: cause}
}

// StatusFor returns the HTTP status code for kind, defaulting to 500 for an
// unrecognized kind.
func StatusFor(kind Kind) int {
	if s, ok := statusByKind[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

type body struct {
	Error string `json:"error"`
	Kind  Kind   `json:"kind"`
}

// WriteJSON writes err as a JSON error body with the status matching its
// Kind (or 500 if err isn't an *Error).
func WriteJSON(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = &Error{Kind: KindInternal, Message: err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(apiErr.Kind))
	_ = json.NewEncoder(w).Encode(body{Error: apiErr.Message, Kind: apiErr.Kind})
}
