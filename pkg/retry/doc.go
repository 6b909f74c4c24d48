// Package retry provides exponential backoff retry logic.
//
// Nothing in depthgraph retries linking or session errors on its own. Retry
// is opt-in: the CLI uses it to wait for a device when asked to, retrying
// only while the broker reports that no device is available or all are in
// use.
//
//	cfg := retry.Persistent()
//	cfg.Retryable = func(err error) bool {
//	    return errors.Is(err, errs.ErrDeviceUnavailable) || errors.Is(err, errs.ErrDeviceInUse)
//	}
//	session, err := retry.DoWithResult(ctx, cfg, func() (*device.Session, error) {
//	    return broker.Open(ctx)
//	})
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Persistent(): 30 attempts, 200ms-10s delay
//
// Errors wrapped with NonRetryable stop the loop immediately.
package retry
