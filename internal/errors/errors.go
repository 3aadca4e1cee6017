// Package errors defines the error taxonomy shared by the replay pipeline.
// Handlers map these types to HTTP status codes; everything else wraps with %w.
package errors

import (
	"errors"
	"fmt"
)

// ValidationError is returned for malformed input before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// DependencyError wraps a failure of an external collaborator
// (extraction service, blob store, metadata store, manifest).
type DependencyError struct {
	Dependency string
	Op         string
	Err        error
}

func (e DependencyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s failed", e.Dependency, e.Op)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Dependency, e.Op, e.Err)
}

func (e DependencyError) Unwrap() error { return e.Err }

// ConsistencyError reports an index that no longer matches the record store.
// It is never surfaced to end users; callers rebuild instead.
type ConsistencyError struct {
	UserID string
	Reason string
}

func (e ConsistencyError) Error() string {
	return fmt.Sprintf("index inconsistent user=%s: %s", e.UserID, e.Reason)
}

// AccessDeniedError is returned when the principal lacks a capability.
type AccessDeniedError struct {
	Capability string
}

func (e AccessDeniedError) Error() string {
	if e.Capability == "" {
		return "access denied"
	}
	return "access denied: missing capability " + e.Capability
}

// DuplicateReplayError is returned when an identical file was already uploaded.
type DuplicateReplayError struct {
	ReplayID string
}

func (e DuplicateReplayError) Error() string {
	return "replay already uploaded: " + e.ReplayID
}

// NotFoundError is returned when a replay does not exist for the user.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ErrNotFound is the sentinel repositories return for missing rows.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a versioned write lost a race.
var ErrVersionConflict = errors.New("version conflict")

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}

// IsDependency reports whether err is (or wraps) a DependencyError.
func IsDependency(err error) bool {
	var d DependencyError
	return errors.As(err, &d)
}
