// Package errors provides centralized error definitions and error handling utilities
// for the simpleaide core. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - GitError: errors from git operations (clone, pull, worktrees, branches)
//   - CapsuleError: errors from the per-run write capsule
//   - RunError: errors from the run/step store
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - AlreadyExistsError: resource already exists
//   - ValidationError: invalid input (renders as "VALIDATION_FAILED: <reason>")
//   - TimeoutError: operation timed out
//
// Policy outcomes are not failures but decisions a human must make:
//   - ApprovalRequiredError: a gated write needs a confirmation token
//   - ImmutablePathError: a delete targeted an immutable path
//
// # Usage
//
//	err := errors.NewValidationError("plaintext git:// protocol is not allowed").WithField("url")
//	if errors.Is(err, errors.ErrInvalidInput) { ... }
//
//	var approval *errors.ApprovalRequiredError
//	if errors.As(err, &approval) { ... approval.Token ... }
//
// # Error Classification
//
//   - Retryable: transient errors that may succeed on retry
//   - Severity: Debug, Info, Warning, Error, Critical (loggers pick the level from it)
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
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

// CodeValidationFailed is the machine-matchable prefix of every validation error.
const CodeValidationFailed = "VALIDATION_FAILED"

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

// Git-related sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrWorktreeNotFound indicates that a worktree could not be found.
	ErrWorktreeNotFound = New("worktree not found")
	// ErrWorktreeExists indicates that a worktree path is already occupied.
	ErrWorktreeExists = New("worktree already exists")
	// ErrBranchNotFound indicates that a branch could not be found.
	ErrBranchNotFound = New("branch not found")
	// ErrNonFastForward indicates that a pull would require a merge.
	ErrNonFastForward = New("not a fast-forward")
	// ErrProjectExists indicates that a clone target already exists.
	ErrProjectExists = New("project path already exists")
	// ErrCloneIncomplete indicates that a clone produced no usable history.
	ErrCloneIncomplete = New("clone produced no usable repository")
)

// Capsule-related sentinel errors
var (
	// ErrApprovalRequired indicates a write was held for human approval.
	ErrApprovalRequired = New("approval required")
	// ErrImmutablePath indicates a mutation targeted an immutable path.
	ErrImmutablePath = New("path is immutable")
	// ErrTokenInvalid indicates a confirmation token is unknown or already used.
	ErrTokenInvalid = New("confirmation token is invalid or already used")
	// ErrCapsuleClosed indicates the capsule was already cleaned up.
	ErrCapsuleClosed = New("capsule is closed")
)

// Run-related sentinel errors
var (
	// ErrRunNotFound indicates that a run could not be found.
	ErrRunNotFound = New("run not found")
	// ErrStepNotFound indicates that a step could not be found.
	ErrStepNotFound = New("step not found")
	// ErrRunCorrupted indicates that persisted run data could not be parsed.
	ErrRunCorrupted = New("run data corrupted")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrOperationFailed indicates a general operation failure.
	ErrOperationFailed = New("operation failed")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// AppError is the base interface for all errors defined in this package.
// It extends the standard error interface with additional methods for
// error handling and classification.
type AppError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// GitError represents errors related to git operations.
//
// Example:
//
//	err := errors.NewGitError("failed to create worktree", errors.ErrWorktreeExists)
//	err = err.WithBranch("feature-x").WithWorktree("/path/to/worktree")
type GitError struct {
	baseError
	Branch     string
	Worktree   string
	Repository string
	GitOutput  string // Captured git command output, already redacted by the caller
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: false,
		},
	}
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithWorktree adds a worktree path to the error context.
func (e *GitError) WithWorktree(path string) *GitError {
	e.Worktree = path
	return e
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = output
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *GitError) WithRetryable(r bool) *GitError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Worktree != "" {
		parts = append(parts, fmt.Sprintf("worktree=%s", e.Worktree))
	}
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}

	prefix := "git error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("git error [%s]", strings.Join(parts, ", "))
	}

	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}

	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// CapsuleError represents errors raised by a run's write capsule.
type CapsuleError struct {
	baseError
	RunID string
	Path  string
}

// NewCapsuleError creates a new CapsuleError.
func NewCapsuleError(message string, cause error) *CapsuleError {
	return &CapsuleError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithRunID adds a run ID to the error context.
func (e *CapsuleError) WithRunID(id string) *CapsuleError {
	e.RunID = id
	return e
}

// WithPath adds a file path to the error context.
func (e *CapsuleError) WithPath(path string) *CapsuleError {
	e.Path = path
	return e
}

// Error returns the formatted error message.
func (e *CapsuleError) Error() string {
	var parts []string
	if e.RunID != "" {
		parts = append(parts, fmt.Sprintf("run=%s", e.RunID))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}

	prefix := "capsule error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("capsule error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *CapsuleError) Is(target error) bool {
	if _, ok := target.(*CapsuleError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// RunError represents errors raised by the run/step store.
type RunError struct {
	baseError
	RunID string
	Step  int
}

// NewRunError creates a new RunError.
func NewRunError(message string, cause error) *RunError {
	return &RunError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithRunID adds a run ID to the error context.
func (e *RunError) WithRunID(id string) *RunError {
	e.RunID = id
	return e
}

// WithStep adds a step number to the error context.
func (e *RunError) WithStep(step int) *RunError {
	e.Step = step
	return e
}

// Error returns the formatted error message.
func (e *RunError) Error() string {
	var parts []string
	if e.RunID != "" {
		parts = append(parts, fmt.Sprintf("run=%s", e.RunID))
	}
	if e.Step > 0 {
		parts = append(parts, fmt.Sprintf("step=%d", e.Step))
	}

	prefix := "run error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("run error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *RunError) Is(target error) bool {
	if _, ok := target.(*RunError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("run", "abc123")
//	fmt.Println(err) // "run 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:   fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:  SeverityWarning,
			retryable: false,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// AlreadyExistsError represents a resource that already exists.
//
// Example:
//
//	err := errors.NewAlreadyExistsError("worktree", "/repo/.worktrees/ws-1")
//	fmt.Println(err) // "worktree '/repo/.worktrees/ws-1' already exists"
type AlreadyExistsError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(resourceType, resourceID string) *AlreadyExistsError {
	return &AlreadyExistsError{
		baseError: baseError{
			message:   fmt.Sprintf("%s '%s' already exists", resourceType, resourceID),
			severity:  SeverityWarning,
			retryable: false,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *AlreadyExistsError) WithCause(cause error) *AlreadyExistsError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *AlreadyExistsError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' already exists: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' already exists", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *AlreadyExistsError) Is(target error) bool {
	if _, ok := target.(*AlreadyExistsError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input. Its message always starts with
// CodeValidationFailed so callers can match it without type assertions.
//
// Example:
//
//	err := errors.NewValidationError("embedded credentials are not allowed").WithField("url")
//	fmt.Println(err) // "VALIDATION_FAILED: embedded credentials are not allowed (field=url)"
type ValidationError struct {
	baseError
	Code  string
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:   message,
			severity:  SeverityWarning,
			retryable: false,
		},
		Code: CodeValidationFailed,
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
// Never pass secrets here; the value is rendered in Error().
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Reason returns the message without the code prefix.
func (e *ValidationError) Reason() string {
	return e.message
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	msg := fmt.Sprintf("%s: %s", e.Code, e.message)
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if len(parts) > 0 {
		msg = fmt.Sprintf("%s (%s)", msg, strings.Join(parts, ", "))
	}
	return msg
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("git clone", 10*time.Minute)
//	fmt.Println(err) // "timeout error: git clone (timeout: 10m0s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   operation,
			severity:  SeverityWarning,
			retryable: true, // Timeouts are generally retryable
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Policy Outcomes
// -----------------------------------------------------------------------------

// SecretFinding describes one suspected secret inside proposed file content.
type SecretFinding struct {
	Type         string   `json:"type"`
	Line         int      `json:"line"`
	Column       int      `json:"column"`
	MatchPreview string   `json:"matchPreview"`
	Entropy      *float64 `json:"entropy,omitempty"`
}

// ApprovalRequiredError is returned by strict write paths when a write is
// gated. The write is not performed; Token identifies the pending write that
// an approver may resolve.
type ApprovalRequiredError struct {
	baseError
	Path     string
	Reason   string
	Token    string
	Findings []SecretFinding
}

// NewApprovalRequiredError creates a new ApprovalRequiredError.
func NewApprovalRequiredError(path, reason string) *ApprovalRequiredError {
	return &ApprovalRequiredError{
		baseError: baseError{
			message:  reason,
			severity: SeverityInfo,
		},
		Path:   path,
		Reason: reason,
	}
}

// WithToken attaches the confirmation token of the pending write.
func (e *ApprovalRequiredError) WithToken(token string) *ApprovalRequiredError {
	e.Token = token
	return e
}

// WithFindings attaches secret-scan findings.
func (e *ApprovalRequiredError) WithFindings(findings []SecretFinding) *ApprovalRequiredError {
	e.Findings = findings
	return e
}

// Error returns the formatted error message.
func (e *ApprovalRequiredError) Error() string {
	msg := fmt.Sprintf("approval required for %s: %s", e.Path, e.Reason)
	if len(e.Findings) > 0 {
		msg = fmt.Sprintf("%s (%d finding(s))", msg, len(e.Findings))
	}
	return msg
}

// Is checks if this error matches the target.
func (e *ApprovalRequiredError) Is(target error) bool {
	if _, ok := target.(*ApprovalRequiredError); ok {
		return true
	}
	return target == ErrApprovalRequired
}

// ImmutablePathError is returned when a delete targets an immutable path.
// Deletes have no approval path.
type ImmutablePathError struct {
	baseError
	Path string
}

// NewImmutablePathError creates a new ImmutablePathError.
func NewImmutablePathError(path string) *ImmutablePathError {
	return &ImmutablePathError{
		baseError: baseError{
			message:  "path is immutable",
			severity: SeverityWarning,
		},
		Path: path,
	}
}

// Error returns the formatted error message.
func (e *ImmutablePathError) Error() string {
	return fmt.Sprintf("cannot modify immutable path %s", e.Path)
}

// Is checks if this error matches the target.
func (e *ImmutablePathError) Is(target error) bool {
	if _, ok := target.(*ImmutablePathError); ok {
		return true
	}
	return target == ErrImmutablePath
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var appErr AppError
	if As(err, &appErr) {
		return appErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsValidation reports whether err is (or wraps) a ValidationError or
// ErrInvalidInput.
func IsValidation(err error) bool {
	return Is(err, ErrInvalidInput)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement AppError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var appErr AppError
	if As(err, &appErr) {
		return appErr.Severity()
	}

	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to persist run metadata")
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
