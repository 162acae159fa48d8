package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the workspace API. Wrapped by APIError so callers can
// branch with errors.Is without inspecting status codes.
var (
	// ErrValidation indicates the request payload was malformed, e.g. an
	// empty or badly delimited path.
	ErrValidation = errors.New("workspace: validation failed")
	// ErrConflict indicates a path collision.
	ErrConflict = errors.New("workspace: conflict")
	// ErrNotFound indicates the addressed entity does not exist.
	ErrNotFound = errors.New("workspace: not found")
	// ErrInvalidState rejects operations that do not apply to the target's
	// current state, e.g. rolling back a failed deployment.
	ErrInvalidState = errors.New("workspace: invalid state")
	// ErrUnavailable indicates a dependent service is down; callers should
	// degrade gracefully rather than fail hard.
	ErrUnavailable = errors.New("workspace: service unavailable")
	// ErrServer covers remaining non-2xx responses.
	ErrServer = errors.New("workspace: server error")
	// ErrNetwork covers transport-level failures before any response.
	ErrNetwork = errors.New("workspace: network failure")
)

// APIError carries the HTTP status and server-provided message of a failed
// request. It unwraps to the matching sentinel error.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusBadRequest:
		return ErrValidation
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status == http.StatusConflict:
		return ErrConflict
	case e.Status == http.StatusUnprocessableEntity:
		return ErrInvalidState
	case e.Status == http.StatusServiceUnavailable:
		return ErrUnavailable
	case e.Status >= http.StatusInternalServerError:
		return ErrServer
	default:
		return nil
	}
}
