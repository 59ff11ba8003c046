// Package retry runs an operation repeatedly until it succeeds or gives up.
//
// The fetch orchestrator drives its attempt loop through Do. RetryIf decides
// which failures earn another attempt, and OnRetry runs between attempts. It
// can do side work such as renewing an egress circuit and return an extra
// wait that is added to the backoff delay:
//
//	err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
//		return fetchOnce(ctx, attempt)
//	}, &retry.Config{
//		MaxAttempts: 6,
//		RetryIf:     retry.DefaultRetryIf,
//		OnRetry: func(ctx context.Context, attempt int, err error) time.Duration {
//			return renewIfReset(ctx, err)
//		},
//	})
package retry
