package aggregates

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	cases := []struct {
		err  *Error
		want string
	}{
		{&Error{Code: CodeNotFound, Op: "Mapping.Unmap", Message: "no active mapping"}, "Mapping.Unmap: no active mapping (not_found)"},
		{&Error{Code: CodeRetryable, Op: "Retriever.Retrieve"}, "Retriever.Retrieve (retryable)"},
		{&Error{Code: CodeRerankFailure, Message: "empty answer"}, "empty answer (rerank_failure)"},
		{&Error{Code: CodeInternal}, "internal"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Fatalf("Error(): want=%q got=%q", tc.want, got)
		}
	}
}

func TestWrapKeepsExistingCode(t *testing.T) {
	inner := NewError(CodeEmbeddingFailure, "Embedder.Embed", "dimension mismatch", nil)
	outer := Wrap(CodeInternal, "Service.Recommend", fmt.Errorf("recommend: %w", inner))
	require.Equal(t, CodeEmbeddingFailure, CodeOf(outer))
	require.Nil(t, Wrap(CodeInternal, "op", nil))

	cause := errors.New("connection reset")
	wrapped := Wrap(CodeRetryable, "Retriever.Retrieve", cause)
	require.ErrorIs(t, wrapped, cause)
	require.True(t, IsCode(wrapped, CodeRetryable))
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("commit: %w", NewError(CodeCommitConflict, "Mapping.CommitMapping", "stale", nil))
	require.ErrorIs(t, err, &Error{Code: CodeCommitConflict})
	require.NotErrorIs(t, err, &Error{Code: CodeNotFound})
	require.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}

func TestErrorCodeRetryable(t *testing.T) {
	require.True(t, CodeRetryable.Retryable())
	require.True(t, CodeCommitConflict.Retryable())
	require.False(t, CodeValidation.Retryable())
	require.False(t, CodeInvariantViolation.Retryable())
}
