package guard

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// DefaultBackOff returns the back-off used by DialWithRetry when none is
// given: exponential, at most three retries.
func DefaultBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxElapsedTime(10*time.Second),
	)
	return backoff.WithMaxRetries(eb, 3)
}

// DialWithRetry dials req and retries failures that IsRetryable accepts.
// Policy rejections stop immediately and are returned as is.
func (d *SafeDialer) DialWithRetry(ctx context.Context, req DialRequest, b backoff.BackOff) (*GuardedConn, error) {
	if b == nil {
		b = DefaultBackOff()
	}

	op := func() (*GuardedConn, error) {
		conn, err := d.Dial(ctx, req)
		if err != nil && !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return conn, err
	}

	notify := func(err error, next time.Duration) {
		d.logger.Info("Dial failed, will retry",
			zap.String("host", req.Host),
			zap.Int("port", req.Port),
			zap.Duration("delay", next),
			zap.Error(err))
	}

	return backoff.RetryNotifyWithData(op, backoff.WithContext(b, ctx), notify)
}
