// Package errors provides centralized error definitions and error handling utilities
// for the sprintloop engine. It defines domain-specific errors, sentinel errors,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - PersistenceError: progress document I/O failures (always fatal)
//   - ChecksumError: on-disk content does not match its checksum artifact
//   - LockError: lock directory failures (not conflicts, which are results)
//   - SchedulerError: invalid scheduler operations on a step
//
// Semantic errors represent common error conditions:
//   - ValidationError: invalid input or document shape
//
// # Usage
//
//	err := errors.NewPersistenceError("write", path, cause)
//	if errors.IsFatal(err) { ... }
//
//	var sumErr *errors.ChecksumError
//	if errors.As(err, &sumErr) { ... }
//
// # Fatal Errors
//
// Persistence and checksum errors indicate corruption or environment failure
// rather than task-level failure. They must propagate to the caller and are
// never retried. [IsFatal] reports whether an error belongs to that class.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Persistence sentinel errors
var (
	// ErrProgressNotFound indicates that the progress document does not exist.
	ErrProgressNotFound = New("progress document not found")
	// ErrChecksumMismatch indicates the document content does not match its checksum.
	ErrChecksumMismatch = New("checksum mismatch")
	// ErrInvalidProgress indicates the document could not be decoded or violates the schema.
	ErrInvalidProgress = New("invalid progress document")
	// ErrNoBackup indicates that a restore was requested without a backup on disk.
	ErrNoBackup = New("no backup available")
)

// Lock sentinel errors
var (
	// ErrLockHeld indicates the lock is held by another owner.
	ErrLockHeld = New("lock held by another owner")
	// ErrLockNotHeld indicates a release was attempted by a non-owner.
	ErrLockNotHeld = New("lock not held by caller")
	// ErrLockDirBusy indicates another process is working in the lock directory.
	ErrLockDirBusy = New("lock directory busy")
	// ErrNotRepository indicates no repository root could be found from the working directory.
	ErrNotRepository = New("not inside a git repository")
)

// Scheduling sentinel errors
var (
	// ErrStepNotFound indicates the scheduler has no node with the given id.
	ErrStepNotFound = New("step not found")
	// ErrInvalidTransition indicates a status change that the lifecycle forbids.
	ErrInvalidTransition = New("invalid status transition")
	// ErrDependencyCycle indicates a circular dependency between steps.
	ErrDependencyCycle = New("dependency cycle detected")
)

// General sentinel errors
var (
	// ErrInterrupted indicates the loop stopped because of a termination signal.
	ErrInterrupted = New("sprint interrupted")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// SprintError is the base interface for all sprintloop errors.
type SprintError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsFatal returns true if the error must stop the loop.
	IsFatal() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
	fatal     bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error      { return e.cause }
func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) IsRetryable() bool  { return e.retryable }
func (e *baseError) IsFatal() bool      { return e.fatal }

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// PersistenceError represents a failed read or write of the progress document.
//
// Example:
//
//	err := errors.NewPersistenceError("rename", "/repo/.sprints/s1/progress.yaml", cause)
//	fmt.Println(err) // "persistence error [op=rename, path=...]: ..."
type PersistenceError struct {
	baseError
	Op   string
	Path string
}

// NewPersistenceError creates a new PersistenceError. Persistence errors are
// always fatal and never retryable.
func NewPersistenceError(op, path string, cause error) *PersistenceError {
	return &PersistenceError{
		baseError: baseError{
			message:  fmt.Sprintf("%s failed", op),
			cause:    cause,
			severity: SeverityCritical,
			fatal:    true,
		},
		Op:   op,
		Path: path,
	}
}

// Error returns the formatted error message.
func (e *PersistenceError) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Path != "" {
		parts = append(parts, "path="+e.Path)
	}
	return e.format("persistence error", parts)
}

// ChecksumError reports that the bytes on disk do not hash to the recorded checksum.
type ChecksumError struct {
	baseError
	Path     string
	Expected string
	Actual   string
}

// NewChecksumError creates a ChecksumError wrapping ErrChecksumMismatch.
func NewChecksumError(path, expected, actual string) *ChecksumError {
	return &ChecksumError{
		baseError: baseError{
			message:  "document content does not match checksum",
			cause:    ErrChecksumMismatch,
			severity: SeverityCritical,
			fatal:    true,
		},
		Path:     path,
		Expected: expected,
		Actual:   actual,
	}
}

// Error returns the formatted error message.
func (e *ChecksumError) Error() string {
	return e.format("checksum error", []string{
		"path=" + e.Path,
		"expected=" + short(e.Expected),
		"actual=" + short(e.Actual),
	})
}

// LockError represents a failure to operate on the lock directory itself.
// Conflicts between owners are not errors; they are reported as results.
type LockError struct {
	baseError
	Operation string
	Resource  string
}

// NewLockError creates a new LockError.
func NewLockError(message string, cause error) *LockError {
	return &LockError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithOperation adds the lock operation to the error context.
func (e *LockError) WithOperation(op string) *LockError {
	e.Operation = op
	return e
}

// WithResource adds the contended resource to the error context.
func (e *LockError) WithResource(resource string) *LockError {
	e.Resource = resource
	return e
}

// Error returns the formatted error message.
func (e *LockError) Error() string {
	var parts []string
	if e.Operation != "" {
		parts = append(parts, "op="+e.Operation)
	}
	if e.Resource != "" {
		parts = append(parts, "resource="+e.Resource)
	}
	return e.format("lock error", parts)
}

// SchedulerError represents an invalid scheduler operation.
//
// Example:
//
//	err := errors.NewSchedulerError("cannot start", errors.ErrInvalidTransition).
//		WithStep("build").WithPhase("phase-2")
type SchedulerError struct {
	baseError
	StepID  string
	PhaseID string
}

// NewSchedulerError creates a new SchedulerError.
func NewSchedulerError(message string, cause error) *SchedulerError {
	return &SchedulerError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithStep adds a step ID to the error context.
func (e *SchedulerError) WithStep(id string) *SchedulerError {
	e.StepID = id
	return e
}

// WithPhase adds a phase ID to the error context.
func (e *SchedulerError) WithPhase(id string) *SchedulerError {
	e.PhaseID = id
	return e
}

// Error returns the formatted error message.
func (e *SchedulerError) Error() string {
	var parts []string
	if e.PhaseID != "" {
		parts = append(parts, "phase="+e.PhaseID)
	}
	if e.StepID != "" {
		parts = append(parts, "step="+e.StepID)
	}
	return e.format("scheduler error", parts)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// ValidationError represents invalid input or an invalid document.
type ValidationError struct {
	baseError
	Field string
}

// NewValidationError creates a new ValidationError wrapping ErrInvalidInput.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			cause:    ErrInvalidInput,
			severity: SeverityWarning,
		},
	}
}

// WithField adds the offending field name.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error [field=%s]: %s", e.Field, e.message)
	}
	return fmt.Sprintf("validation error: %s", e.message)
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsFatal reports whether err must abort the main loop: persistence failures
// and checksum mismatches.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var se SprintError
	if As(err, &se) {
		return se.IsFatal()
	}
	return Is(err, ErrChecksumMismatch)
}

// IsRetryable returns true if the error is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se SprintError
	if As(err, &se) {
		return se.IsRetryable()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement SprintError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var se SprintError
	if As(err, &se) {
		return se.Severity()
	}
	return SeverityError
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
