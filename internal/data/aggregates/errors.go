package aggregates

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	domainagg "github.com/yungbote/omop-automapper/internal/domain/aggregates"
)

var (
	ErrValidation = errors.New("mapping validation")
	ErrNotFound   = errors.New("mapping record not found")
	ErrInvariant  = errors.New("mapping invariant violation")
	ErrConflict   = errors.New("mapping write conflict")
	ErrRetryable  = errors.New("mapping write retryable")
)

func ValidationError(msg string) error { return tagged(ErrValidation, msg) }
func NotFoundError(msg string) error   { return tagged(ErrNotFound, msg) }
func InvariantError(msg string) error  { return tagged(ErrInvariant, msg) }
func ConflictError(msg string) error   { return tagged(ErrConflict, msg) }
func RetryableError(msg string) error  { return tagged(ErrRetryable, msg) }

func tagged(sentinel error, msg string) error {
	return fmt.Errorf("%w: %s", sentinel, strings.TrimSpace(msg))
}

// Checked in order; the first match wins.
var sentinelCodes = []struct {
	targets []error
	code    domainagg.ErrorCode
}{
	{[]error{ErrValidation}, domainagg.CodeValidation},
	{[]error{ErrNotFound, gorm.ErrRecordNotFound}, domainagg.CodeNotFound},
	{[]error{ErrInvariant}, domainagg.CodeInvariantViolation},
	{[]error{ErrConflict, gorm.ErrDuplicatedKey}, domainagg.CodeCommitConflict},
	{[]error{ErrRetryable, context.Canceled, context.DeadlineExceeded}, domainagg.CodeRetryable},
}

var pgStateCodes = map[string]domainagg.ErrorCode{
	"23505": domainagg.CodeCommitConflict, // unique_violation
	"40001": domainagg.CodeRetryable,      // serialization_failure
	"40P01": domainagg.CodeRetryable,      // deadlock_detected
	"55P03": domainagg.CodeRetryable,      // lock_not_available
}

// MapError assigns a pipeline error code to a storage failure. Errors that
// already carry a code pass through untouched.
func MapError(op string, err error) error {
	if err == nil || domainagg.CodeOf(err) != "" {
		return err
	}
	return domainagg.Wrap(classify(err), op, err)
}

func classify(err error) domainagg.ErrorCode {
	for _, sc := range sentinelCodes {
		for _, target := range sc.targets {
			if errors.Is(err, target) {
				return sc.code
			}
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if code, ok := pgStateCodes[strings.TrimSpace(pgErr.Code)]; ok {
			return code
		}
	}

	// sqlite reports through plain driver strings.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate key"), strings.Contains(msg, "unique constraint failed"):
		return domainagg.CodeCommitConflict
	case strings.Contains(msg, "deadlock"), strings.Contains(msg, "serialization"),
		strings.Contains(msg, "database is locked"), strings.Contains(msg, "timeout"):
		return domainagg.CodeRetryable
	}
	return domainagg.CodeInternal
}
