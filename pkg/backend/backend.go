// Package backend defines the push-provider backend contract shared by the
// APNs, FCM, and Web Push implementations: the Dispatch interface, the
// error taxonomy that drives the retry loop, the in-flight concurrency
// limiter, the generic retry driver, and the app-id router.
package backend

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/matrixpush/gateway/internal/metrics"
	"github.com/matrixpush/gateway/pkg/notification"
)

// DefaultConcurrencyLimit is used when a backend's config does not set
// inflight_request_limit.
const DefaultConcurrencyLimit = 512

// MaxAttempts and BaseDelay parameterize the shared retry driver (§4.2).
const (
	MaxAttempts = 3
	BaseDelay   = 10 * time.Second
)

// Backend is implemented by every push provider. Dispatch sends a
// notification to a single device and returns the pushkeys (at most
// []string{d.Pushkey}) that are now known to be permanently invalid.
type Backend interface {
	Name() string
	Dispatch(ctx context.Context, n notification.Notification, d notification.Device, nctx notification.Context) ([]string, error)
}

// BatchDispatcher is optionally implemented by backends that can serve
// several devices from a single Notification in one upstream call (only
// FCM legacy does, per §4.8). The pipeline calls DispatchBatch once per
// (Notification, backend) pair instead of Dispatch once per device.
type BatchDispatcher interface {
	DispatchBatch(ctx context.Context, n notification.Notification, devices []notification.Device, nctx notification.Context) ([]string, error)
}

// Limiter is a non-blocking admission counter: Acquire either grants a slot
// immediately or reports failure. There is no queueing.
type Limiter struct {
	name    string
	limit   int32
	current int32
}

// NewLimiter builds a Limiter for the given backend name. limit <= 0 uses
// DefaultConcurrencyLimit.
func NewLimiter(name string, limit int) *Limiter {
	if limit <= 0 {
		limit = DefaultConcurrencyLimit
	}
	return &Limiter{name: name, limit: int32(limit)}
}

// Acquire attempts to take one in-flight slot. On success it returns a
// release func that must be called exactly once on every exit path.
func (l *Limiter) Acquire() (release func(), ok bool) {
	for {
		cur := atomic.LoadInt32(&l.current)
		if cur >= l.limit {
			return nil, false
		}
		if atomic.CompareAndSwapInt32(&l.current, cur, cur+1) {
			return func() { atomic.AddInt32(&l.current, -1) }, true
		}
	}
}

// Current reports the in-flight count, for tests and metrics.
func (l *Limiter) Current() int { return int(atomic.LoadInt32(&l.current)) }

// AttemptFunc performs one provider call. attempt is 0-indexed.
type AttemptFunc func(ctx context.Context, attempt int) ([]string, error)

// RunWithRetry drives AttemptFunc per the shared retry contract: up to
// MaxAttempts attempts, retrying only on *TemporaryDispatchError, sleeping
// base*2^i (or the error's RetryAfter override) between attempts, and
// aborting immediately if ctx is cancelled during the sleep.
func RunWithRetry(ctx context.Context, attempt AttemptFunc) ([]string, error) {
	var lastErr error
	for i := 0; i < MaxAttempts; i++ {
		rejected, err := attempt(ctx, i)
		if err == nil {
			return rejected, nil
		}

		var temp *TemporaryDispatchError
		if !errors.As(err, &temp) {
			return nil, err
		}
		lastErr = err

		if i == MaxAttempts-1 {
			break
		}

		delay := temp.RetryAfter
		if delay <= 0 {
			delay = BaseDelay * (1 << uint(i))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// WithAdmission wraps a whole dispatch (including all of its retries) in a
// single in-flight slot, acquired once up front and released on every exit
// path. A slot held for the duration of the retry loop matches §4.2: the
// limiter is a counter, not a queue, and concurrency exhaustion is never
// itself retried. reg may be nil (e.g. in tests); when non-nil, an
// exhausted admission increments pushgateway_inflight_limit_drops_total.
func WithAdmission(l *Limiter, name string, reg *metrics.Registry, fn func() ([]string, error)) ([]string, error) {
	release, ok := l.Acquire()
	if !ok {
		if reg != nil {
			reg.InflightLimitDrops.WithLabelValues(name).Inc()
		}
		return nil, &ConcurrencyLimitExhausted{Backend: name}
	}
	defer release()
	return fn()
}
