package aggregates

import (
	"errors"
	"strings"
)

// ErrorCode classifies a pipeline failure. HTTP status and batch outcome
// bookkeeping are both derived from it.
type ErrorCode string

const (
	CodeValidation         ErrorCode = "validation"
	CodeNotFound           ErrorCode = "not_found"
	CodeInvariantViolation ErrorCode = "invariant_violation"
	CodeRetryable          ErrorCode = "retryable"
	CodeInternal           ErrorCode = "internal"

	CodeEmbeddingFailure ErrorCode = "embedding_failure"
	CodeRetrievalEmpty   ErrorCode = "retrieval_empty"
	CodeRerankFailure    ErrorCode = "rerank_failure"
	CodeCommitConflict   ErrorCode = "commit_conflict"
)

// Retryable reports whether repeating the same call may succeed.
func (c ErrorCode) Retryable() bool {
	return c == CodeRetryable || c == CodeCommitConflict
}

type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

// Error renders "op: message (code)", dropping whichever parts are empty.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 2)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if len(parts) == 0 {
		return string(e.Code)
	}
	return strings.Join(parts, ": ") + " (" + string(e.Code) + ")"
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by code, so errors.Is(err, &Error{Code: c})
// works without unpacking.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t.Code != "" && t.Code == e.Code
}

func NewError(code ErrorCode, op, message string, cause error) error {
	return &Error{
		Code:    code,
		Op:      strings.TrimSpace(op),
		Message: strings.TrimSpace(message),
		Cause:   cause,
	}
}

// Wrap annotates err with code unless it already carries one.
func Wrap(code ErrorCode, op string, err error) error {
	if err == nil || CodeOf(err) != "" {
		return err
	}
	return NewError(code, op, err.Error(), err)
}

func IsCode(err error, code ErrorCode) bool { return CodeOf(err) == code }

// CodeOf returns the outermost code in err's chain, or "" when none is set.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
