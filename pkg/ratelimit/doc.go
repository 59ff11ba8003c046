// Package ratelimit paces outbound work that is not on a client's critical
// path: cache warmups and calls to the site API.
//
// TokenBucket refills continuously and allows short bursts; SlidingWindow
// caps the number of requests in any window. Both satisfy Limiter:
//
//	limiter := ratelimit.PerMinute(120)
//	if err := limiter.Wait(ctx); err != nil {
//	    return err
//	}
package ratelimit
