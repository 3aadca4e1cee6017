package replaystore

import (
	"fmt"
	"strings"
)

// Step names, in execution order.
const (
	StepBlob     = "blob"
	StepRecord   = "record"
	StepIndex    = "index"
	StepManifest = "hash_manifest"
)

// Severity says whether a failed step aborts the write.
type Severity int

const (
	// Soft failures are logged and the write continues.
	Soft Severity = iota
	// Hard failures abort the write and roll back earlier steps.
	Hard
)

func (s Severity) String() string {
	if s == Hard {
		return "hard"
	}
	return "soft"
}

// StepResult is the outcome of one step of a write.
type StepResult struct {
	Step     string
	Severity Severity
	Skipped  bool
	Err      error
}

func (r StepResult) OK() bool { return !r.Skipped && r.Err == nil }

// HardFailure reports whether the step failed and must abort the write.
func (r StepResult) HardFailure() bool { return r.Err != nil && r.Severity == Hard }

// label is the metrics result label.
func (r StepResult) label() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Err == nil:
		return "ok"
	case r.Severity == Hard:
		return "hard_fail"
	default:
		return "soft_fail"
	}
}

// StoreError is the single error returned by a failed Store. Step detail and
// rollback failures are for logs; Error() stays short.
type StoreError struct {
	ReplayID     string
	Step         string
	Err          error
	RollbackErrs []error
}

func (e *StoreError) Error() string {
	msg := fmt.Sprintf("failed to store replay %s at step %s: %v", e.ReplayID, e.Step, e.Err)
	if len(e.RollbackErrs) > 0 {
		msg += fmt.Sprintf(" (%d rollback errors)", len(e.RollbackErrs))
	}
	return msg
}

func (e *StoreError) Unwrap() error { return e.Err }

// RollbackDetail joins the rollback errors for logging.
func (e *StoreError) RollbackDetail() string {
	parts := make([]string, len(e.RollbackErrs))
	for i, err := range e.RollbackErrs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}
