package testutil

import (
	"context"
	"sync"

	"github.com/yungbote/omop-automapper/internal/data/aggregates"
	"github.com/yungbote/omop-automapper/internal/pkg/dbctx"
)

// InjectedTxRunner wraps an optional real runner and injects failures at
// chosen points of the transaction. With Inner set, a FailCommit error is
// returned from inside the inner transaction so every write rolls back.
type InjectedTxRunner struct {
	mu sync.Mutex

	Inner aggregates.TxRunner

	FailBegin  error
	FailCommit error
	// FailOnCall limits FailCommit to the n-th call (1-based). Zero means every call.
	FailOnCall int

	BeginCalls    int
	CommitCalls   int
	RollbackCalls int
}

var _ aggregates.TxRunner = (*InjectedTxRunner)(nil)

func (r *InjectedTxRunner) InTx(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	r.mu.Lock()
	r.BeginCalls++
	call := r.BeginCalls
	failBegin := r.FailBegin
	failCommit := r.FailCommit
	if r.FailOnCall > 0 && r.FailOnCall != call {
		failCommit = nil
	}
	r.mu.Unlock()

	if failBegin != nil {
		return failBegin
	}

	body := func(dbc dbctx.Context) error {
		if fn != nil {
			if err := fn(dbc); err != nil {
				return err
			}
		}
		return failCommit
	}

	var err error
	if r.Inner != nil {
		err = r.Inner.InTx(ctx, body)
	} else {
		err = body(dbctx.Context{Ctx: ctx})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.RollbackCalls++
		return err
	}
	r.CommitCalls++
	return nil
}
