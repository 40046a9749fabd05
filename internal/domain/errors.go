package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	// Configuration errors: fatal at construction/registration time.
	ErrDuplicateAgent       = fmt.Errorf("agent id already registered")
	ErrAgentNotFound        = fmt.Errorf("agent not found")
	ErrInvalidConfiguration = fmt.Errorf("invalid configuration")

	// Classification errors: caught by the orchestrator and converted into
	// a canned response.
	ErrClassificationFailed = fmt.Errorf("classification failed")

	// Agent / provider errors.
	ErrProviderError   = fmt.Errorf("provider error")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrMaxRecursions   = fmt.Errorf("tool recursion budget exhausted")

	// Tool errors. Note: an unknown tool name during dispatch is NOT an
	// error — it is rendered as a "not found" result block. ErrToolNotFound
	// only surfaces from direct registry lookups.
	ErrToolNotFound = fmt.Errorf("tool not found")

	// Storage errors propagate unmodified to the caller.
	ErrStorage = fmt.Errorf("chat storage operation failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g. "Orchestrator.AddAgent")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
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

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeDuplicateAgent  ErrorCode = "AGENT_DUPLICATE"
	CodeAgentNotFound   ErrorCode = "AGENT_NOT_FOUND"
	CodeInvalidConfig   ErrorCode = "INVALID_CONFIGURATION"
	CodeClassification  ErrorCode = "CLASSIFICATION_FAILED"
	CodeProviderError   ErrorCode = "PROVIDER_ERROR"
	CodeRateLimit       ErrorCode = "RATE_LIMIT"
	CodeContextOverflow ErrorCode = "CONTEXT_OVERFLOW"
	CodeAuthInvalid     ErrorCode = "AUTH_INVALID"
	CodeMaxRecursions   ErrorCode = "MAX_RECURSIONS"
	CodeToolNotFound    ErrorCode = "TOOL_NOT_FOUND"
	CodeStorage         ErrorCode = "STORAGE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrDuplicateAgent:       CodeDuplicateAgent,
	ErrAgentNotFound:        CodeAgentNotFound,
	ErrInvalidConfiguration: CodeInvalidConfig,
	ErrClassificationFailed: CodeClassification,
	ErrProviderError:        CodeProviderError,
	ErrRateLimit:            CodeRateLimit,
	ErrContextOverflow:      CodeContextOverflow,
	ErrAuthInvalid:          CodeAuthInvalid,
	ErrMaxRecursions:        CodeMaxRecursions,
	ErrToolNotFound:         CodeToolNotFound,
	ErrStorage:              CodeStorage,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and walks the chain with errors.Is.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// IsRetryableError reports whether err is transient and may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrProviderError)
}
