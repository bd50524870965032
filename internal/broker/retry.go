package broker

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

// DialWithRetry dials until it succeeds or ctx is done, waiting wait after each failed attempt.
// Only ErrConnect failures are retried. The returned error is the last dial error.
func DialWithRetry(ctx context.Context, dialer Dialer, params Params, wait time.Duration, log logr.Logger) (Connection, error) {
	var conn Connection
	var lastErr error

	err := backoff.RetryNotify(func() error {
		cn, err := dialer.Dial(ctx, params)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrConnect) {
				return err
			}

			return backoff.Permanent(err)
		}
		conn = cn

		return nil
	}, backoff.WithContext(backoff.NewConstantBackOff(wait), ctx),
		func(err error, next time.Duration) {
			log.Info("Connect failed, retrying", "error", err.Error(), "wait", next)
		})
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}

		return nil, err
	}

	return conn, nil
}
