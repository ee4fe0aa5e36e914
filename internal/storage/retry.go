package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/anisbkh/drbackup/internal/logger"
)

// RetryOptions bounds retries and per-call deadlines for one destination.
type RetryOptions struct {
	// MaxRetries is the attempt budget after the first try.
	MaxRetries uint64
	// BaseDelay seeds the exponential backoff (jitter comes from the
	// backoff package's randomization factor).
	BaseDelay time.Duration
	// CallTimeout is the flat deadline applied to every call.
	CallTimeout time.Duration
	// TimeoutPerMB stretches the Put deadline with payload size so large
	// uploads are not killed by the flat timeout.
	TimeoutPerMB time.Duration
}

// retryBackend decorates a Backend with exponential-backoff retries and
// per-call deadlines, so a hung destination cannot stall a job and a
// transient failure does not immediately fail it.
type retryBackend struct {
	inner Backend
	opts  RetryOptions
	log   logger.Logger
}

// WithRetry wraps a backend. Not-found and capacity errors are permanent:
// retrying them wastes the budget without changing the outcome.
func WithRetry(inner Backend, opts RetryOptions, log logger.Logger) Backend {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 60 * time.Second
	}
	return &retryBackend{inner: inner, opts: opts, log: log.With("destination", inner.Name())}
}

func (r *retryBackend) Name() string { return r.inner.Name() }

func (r *retryBackend) retry(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.opts.BaseDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, r.opts.MaxRetries), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCapacity) {
			return backoff.Permanent(err)
		}
		r.log.Warn("transient storage error, will retry",
			"op", op,
			"attempt", attempt,
			"error", err.Error(),
		)
		return err
	}, policy)
}

func (r *retryBackend) putTimeout(size int) time.Duration {
	timeout := r.opts.CallTimeout
	if r.opts.TimeoutPerMB > 0 {
		timeout += time.Duration(size/(1<<20)) * r.opts.TimeoutPerMB
	}
	return timeout
}

func (r *retryBackend) Put(ctx context.Context, path string, data []byte) error {
	return r.retry(ctx, "put", r.putTimeout(len(data)), func(ctx context.Context) error {
		return r.inner.Put(ctx, path, data)
	})
}

func (r *retryBackend) Get(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := r.retry(ctx, "get", r.opts.CallTimeout, func(ctx context.Context) error {
		var err error
		data, err = r.inner.Get(ctx, path)
		return err
	})
	return data, err
}

func (r *retryBackend) Exists(ctx context.Context, path string) (bool, error) {
	var ok bool
	err := r.retry(ctx, "exists", r.opts.CallTimeout, func(ctx context.Context) error {
		var err error
		ok, err = r.inner.Exists(ctx, path)
		return err
	})
	return ok, err
}

func (r *retryBackend) Delete(ctx context.Context, path string) error {
	return r.retry(ctx, "delete", r.opts.CallTimeout, func(ctx context.Context) error {
		return r.inner.Delete(ctx, path)
	})
}
