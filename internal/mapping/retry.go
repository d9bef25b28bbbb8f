package mapping

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/yungbote/omop-automapper/internal/observability"
	"github.com/yungbote/omop-automapper/internal/pkg/httpx"
)

// RetryPolicy bounds the retries of one external call. Every attempt gets
// its own CallTimeout.
type RetryPolicy struct {
	MaxTries    uint
	Initial     time.Duration
	Max         time.Duration
	CallTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:    4,
		Initial:     500 * time.Millisecond,
		Max:         8 * time.Second,
		CallTimeout: 60 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxTries == 0 {
		p.MaxTries = d.MaxTries
	}
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = d.CallTimeout
	}
	return p
}

// hintedBackOff waits at least as long as the last server Retry-After hint.
type hintedBackOff struct {
	*backoff.ExponentialBackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	next := h.ExponentialBackOff.NextBackOff()
	if h.hint > next {
		next = h.hint
	}
	h.hint = 0
	return next
}

// retryCall runs fn until it succeeds, fails permanently or runs out of
// attempts. Errors that httpx does not classify as retryable stop at once.
func retryCall[T any](ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, int, error) {
	p = p.withDefaults()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.MaxInterval = p.Max
	b := &hintedBackOff{ExponentialBackOff: exp}

	attempts := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
		defer cancel()
		out, err := fn(callCtx)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return out, backoff.Permanent(ctx.Err())
		}
		if !httpx.IsRetryableError(err) {
			return out, backoff.Permanent(err)
		}
		var ra httpx.RetryAfterer
		if errors.As(err, &ra) {
			b.hint = ra.RetryAfter()
		}
		return out, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxTries),
		backoff.WithNotify(func(error, time.Duration) {
			observability.Current().IncRetry(op, "provider")
		}),
	)
	return res, attempts, err
}
