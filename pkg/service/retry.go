package service

import (
	"context"
	goerrors "errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/lsst-sqre/gafaelfawr/pkg/errors"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
)

// Transient backend failures are retried at most twice before the
// operation surfaces as unavailable.
const (
	retryInitialInterval = 50 * time.Millisecond
	retryMaxTries        = 3
)

// retryRead runs a backend read with bounded jittered retries. Taxonomy
// errors, storage sentinels, and context cancellation are permanent;
// anything else is treated as a transient infrastructure failure and,
// once retries are exhausted, reported as unavailable rather than as a
// problem with the credential or the request.
func retryRead[T any](ctx context.Context, op func() (T, error)) (T, error) {
	wrapped := func() (T, error) {
		v, err := op()
		if err != nil && !transient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	v, err := backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(retryMaxTries),
	)
	if err != nil && transient(err) {
		return v, errors.NewUnavailableError("token backend unavailable", err)
	}
	return v, err
}

// retryOp is retryRead for operations without a result.
func retryOp(ctx context.Context, op func() error) error {
	_, err := retryRead(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

func transient(err error) bool {
	var typed *errors.Error
	switch {
	case goerrors.As(err, &typed):
		return false
	case goerrors.Is(err, storage.ErrNotFound),
		goerrors.Is(err, storage.ErrDuplicateTokenName),
		goerrors.Is(err, context.Canceled),
		goerrors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
