package qdrant

import (
	"errors"
	"fmt"
	"net/http"
)

type OperationErrorCode string

const (
	OperationErrorValidation      OperationErrorCode = "validation_failed"
	OperationErrorEncodeFailed    OperationErrorCode = "encode_failed"
	OperationErrorDecodeFailed    OperationErrorCode = "decode_failed"
	OperationErrorTransportFailed OperationErrorCode = "transport_failed"
	OperationErrorTimeout         OperationErrorCode = "timeout"
	OperationErrorQueryFailed     OperationErrorCode = "query_failed"
)

type OperationError struct {
	Code       OperationErrorCode
	Operation  string
	Collection string
	StatusCode int
	Message    string
	Cause      error
}

func (e *OperationError) Error() string {
	if e == nil {
		return "qdrant operation failed"
	}
	head := fmt.Sprintf("qdrant %s failed (collection=%s code=%s status=%d)", e.Operation, e.Collection, e.Code, e.StatusCode)
	switch {
	case e.Message != "":
		return head + ": " + e.Message
	case e.Cause != nil:
		return head + ": " + e.Cause.Error()
	default:
		return head
	}
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// HTTPStatusCode lets retry classification treat upstream 5xx/429 as transient.
func (e *OperationError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// IsNotFound reports whether err is a 404 from Qdrant.
func IsNotFound(err error) bool {
	var oe *OperationError
	return errors.As(err, &oe) && oe.StatusCode == http.StatusNotFound
}

func opErr(op, collection string, code OperationErrorCode, msg string, cause error) error {
	return &OperationError{
		Code:       code,
		Operation:  op,
		Collection: collection,
		Message:    msg,
		Cause:      cause,
	}
}
