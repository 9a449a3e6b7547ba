// Package service implements the runtime's business logic: assistant, thread,
// store, and cron management, the run scheduler, and the execution pipeline
// the streaming engine and protocol adapters drive.
package service

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/loomhq/loom/internal/namespace"
	"github.com/loomhq/loom/internal/storage/repository"
)

// Sentinel errors of the runtime error taxonomy. Services wrap them with
// context via fmt.Errorf("...: %w", ...); the HTTP layer maps them to status
// codes with HTTPStatus.
var (
	// ErrUnauthorized means no valid auth context is present.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound means the target entity is missing under the owner scope.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a duplicate id with if_exists=raise, or an active
	// run with multitask_strategy=reject.
	ErrConflict = errors.New("conflict")
	// ErrInvalidRequest means the request shape or a field value is wrong.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUpstream means a model, tool, or embedding call failed.
	ErrUpstream = errors.New("upstream failure")
)

// ConflictingRunError reports the active run that blocked a reject-strategy
// start. It unwraps to ErrConflict.
type ConflictingRunError struct {
	ThreadID string
	RunID    string
}

func (e *ConflictingRunError) Error() string {
	return fmt.Sprintf("thread %s already has an active run %s", e.ThreadID, e.RunID)
}

func (e *ConflictingRunError) Unwrap() error { return ErrConflict }

// invalid wraps a message as an ErrInvalidRequest.
func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// translate converts repository and namespace errors into the service
// taxonomy, passing everything else through unchanged.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case errors.Is(err, namespace.ErrInvalidNamespace):
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	default:
		return err
	}
}

// HTTPStatus maps a service error to its response status code. Unrecognised
// errors are internal.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, namespace.ErrInvalidNamespace):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
