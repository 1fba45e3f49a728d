// Package retry provides exponential backoff retry logic for transient failures.
//
// Do runs a function until it succeeds, returns a NonRetryable error, the
// attempts are used up or the context is cancelled. DoWithResult does the same
// for functions returning a value.
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Quick(): 10 attempts, 10ms-1s delay (KV compare-and-set conflicts)
//   - Persistent(): 30 attempts, 200ms-10s delay (broker connect)
//
// Example:
//
//	cfg := retry.Persistent()
//	cfg.OnRetry = func(n int, err error, d time.Duration) {
//	    logger.Warn("broker connect failed", "attempt", n, "error", err, "backoff", d)
//	}
//	err := retry.Do(ctx, cfg, func() error { return client.Connect(ctx) })
package retry
