package aggregates

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domainagg "github.com/yungbote/omop-automapper/internal/domain/aggregates"
	"github.com/yungbote/omop-automapper/internal/pkg/dbctx"
)

func TestExecuteWriteStatusAndCounters(t *testing.T) {
	cases := []struct {
		name      string
		fnErr     error
		status    string
		conflicts int
		retries   int
	}{
		{name: "ok", status: "success"},
		{name: "invariant", fnErr: InvariantError("source concept already mapped"), status: string(domainagg.CodeInvariantViolation)},
		{name: "conflict", fnErr: ConflictError("active mapping changed"), status: string(domainagg.CodeCommitConflict), conflicts: 1},
		{name: "retryable", fnErr: RetryableError("lock timeout"), status: string(domainagg.CodeRetryable), retries: 1},
		{name: "deadline", fnErr: context.DeadlineExceeded, status: string(domainagg.CodeRetryable), retries: 1},
		{name: "plain", fnErr: errors.New("disk full"), status: string(domainagg.CodeInternal)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hooks := &countingHooks{}
			err := executeWrite(context.Background(), BaseDeps{Runner: passthroughRunner{}, Hooks: hooks},
				"Mapping.CommitMapping", func(dbctx.Context) error { return tc.fnErr })

			if tc.fnErr == nil {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				require.Equal(t, tc.status, string(domainagg.CodeOf(err)))
			}
			require.Len(t, hooks.statuses, 1)
			if hooks.statuses[0] != tc.status {
				t.Fatalf("status: want=%s got=%s", tc.status, hooks.statuses[0])
			}
			require.Equal(t, tc.conflicts, hooks.conflicts)
			require.Equal(t, tc.retries, hooks.retries)
		})
	}
}

func TestExecuteWriteDefaultsOperationName(t *testing.T) {
	hooks := &countingHooks{}
	require.NoError(t, executeWrite(context.Background(), BaseDeps{Runner: passthroughRunner{}, Hooks: hooks},
		"  ", func(dbctx.Context) error { return nil }))
	require.Equal(t, []string{"aggregate.write"}, hooks.names)
}

func TestAggregateErrorStatusFallsBackToMappedCode(t *testing.T) {
	require.Equal(t, "success", aggregateErrorStatus(nil))
	require.Equal(t, string(domainagg.CodeRetryable), aggregateErrorStatus(context.Canceled))
	require.Equal(t, string(domainagg.CodeNotFound), aggregateErrorStatus(NotFoundError("no active mapping")))
}

type passthroughRunner struct{}

func (passthroughRunner) InTx(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	return fn(dbctx.Context{Ctx: ctx})
}

type countingHooks struct {
	names     []string
	statuses  []string
	conflicts int
	retries   int
}

func (h *countingHooks) ObserveOperation(name, status string, _ time.Duration) {
	h.names = append(h.names, name)
	h.statuses = append(h.statuses, status)
}

func (h *countingHooks) IncConflict(string) { h.conflicts++ }
func (h *countingHooks) IncRetry(string)    { h.retries++ }
