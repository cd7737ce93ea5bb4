package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrLimitReached  = fmt.Errorf("limit reached")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrToolNotFound       = fmt.Errorf("tool not found")
	ErrToolFailure        = fmt.Errorf("tool execution failed")
	ErrToolApprovalDenied = fmt.Errorf("tool approval denied")
	ErrSpawnFailed        = fmt.Errorf("process could not be spawned")
	ErrOutputRead         = fmt.Errorf("output buffer read failed")
	ErrRateLimit          = fmt.Errorf("rate limit exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Manager.Kill")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "task"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure        ErrorCode = "TOOL_FAILURE"
	CodeToolApprovalDenied ErrorCode = "TOOL_APPROVAL_DENIED"
	CodeTaskNotFound       ErrorCode = "TASK_NOT_FOUND"
	CodeTaskNotRunning     ErrorCode = "TASK_NOT_RUNNING"
	CodeTaskMaxRunning     ErrorCode = "TASK_MAX_RUNNING"
	CodeSpawnFailed        ErrorCode = "SPAWN_FAILED"
	CodeOutputRead         ErrorCode = "OUTPUT_READ"
	CodeFilterInvalid      ErrorCode = "FILTER_INVALID"

	// Category error codes, used as fallback when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeLimitReached ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeRateLimit    ErrorCode = "RATE_LIMIT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrTimeout:      CodeTimeout,
	ErrLimitReached: CodeLimitReached,
	ErrInvalidInput: CodeInvalidInput,

	ErrToolNotFound:       CodeToolNotFound,
	ErrToolFailure:        CodeToolFailure,
	ErrToolApprovalDenied: CodeToolApprovalDenied,
	ErrSpawnFailed:        CodeSpawnFailed,
	ErrOutputRead:         CodeOutputRead,
	ErrRateLimit:          CodeRateLimit,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"task": CodeTaskNotFound,
	},
	ErrInvalidInput: {
		"task":   CodeTaskNotRunning,
		"filter": CodeFilterInvalid,
	},
	ErrLimitReached: {
		"task": CodeTaskMaxRunning,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		return de.Code()
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code first.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
