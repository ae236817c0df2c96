package billingbackend

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/angelmondragon/billsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/billsync/pkg/errors"
)

const (
	defaultRetryBase = 200 * time.Millisecond
	defaultRetryMax  = 2 * time.Second
)

// transport runs one logical backend call with bounded exponential backoff.
// Only transient failures are retried; everything else returns at once.
type transport struct {
	backend  enums.BillingBackend
	attempts uint64
	base     time.Duration
	max      time.Duration
	observer CallObserver
}

func newTransport(backend enums.BillingBackend, opts Options) transport {
	t := transport{
		backend:  backend,
		attempts: opts.RetryAttempts,
		base:     opts.RetryBaseDelay,
		max:      opts.RetryMaxDelay,
		observer: opts.Observer,
	}
	if t.attempts == 0 {
		t.attempts = 1
	}
	if t.base <= 0 {
		t.base = defaultRetryBase
	}
	if t.max <= 0 {
		t.max = defaultRetryMax
	}
	return t
}

func (t transport) backoff() retry.Backoff {
	b := retry.NewExponential(t.base)
	b = retry.WithCappedDuration(t.max, b)
	return retry.WithMaxRetries(t.attempts-1, b)
}

func (t transport) do(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := retry.Do(ctx, t.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && pkgerrors.IsCode(err, pkgerrors.CodeTransient) {
			return retry.RetryableError(err)
		}
		return err
	})
	err = classify(err, fmt.Sprintf("%s %s", t.backend, op))
	if t.observer != nil {
		t.observer.ObserveBackendCall(t.backend, op, err, time.Since(start))
	}
	return err
}

// classify guarantees every error leaving the package carries a code. The
// retry loop returns bare context errors when the deadline hits between
// attempts.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if pkgerrors.As(err) != nil {
		return err
	}
	if ctxErr := pkgerrors.FromContext(err, op+" timed out"); ctxErr != nil {
		return ctxErr
	}
	return pkgerrors.Wrap(pkgerrors.CodeTransient, err, op+" failed")
}
