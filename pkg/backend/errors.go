package backend

import (
	"fmt"
	"time"
)

// TemporaryDispatchError signals that the dispatch pipeline's retry driver
// should back off and retry the attempt. RetryAfter, when non-zero,
// overrides the driver's exponential default for the next sleep.
type TemporaryDispatchError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TemporaryDispatchError) Error() string {
	return fmt.Sprintf("temporary dispatch error: %v", e.Err)
}

func (e *TemporaryDispatchError) Unwrap() error { return e.Err }

// PermanentDispatchError signals a programmer/config error or an
// unrecoverable provider response that is not a token rejection. The
// dispatch pipeline maps this straight to HTTP 502 without retrying.
type PermanentDispatchError struct {
	Err error
}

func (e *PermanentDispatchError) Error() string {
	return fmt.Sprintf("permanent dispatch error: %v", e.Err)
}

func (e *PermanentDispatchError) Unwrap() error { return e.Err }

// InvalidNotificationRequest signals a malformed inbound request body. The
// HTTP surface maps this to 400.
type InvalidNotificationRequest struct {
	Err error
}

func (e *InvalidNotificationRequest) Error() string {
	return fmt.Sprintf("invalid notification request: %v", e.Err)
}

func (e *InvalidNotificationRequest) Unwrap() error { return e.Err }

// ConcurrencyLimitExhausted signals that a backend's in-flight admission
// check rejected a dispatch before any provider call was attempted. This is
// never retried; the pipeline maps it straight to HTTP 502.
type ConcurrencyLimitExhausted struct {
	Backend string
}

func (e *ConcurrencyLimitExhausted) Error() string {
	return fmt.Sprintf("%s: too many in-flight requests", e.Backend)
}

// ProxyConnectError signals that the HTTP CONNECT handshake to the
// configured proxy failed. Backends classify it as transient.
type ProxyConnectError struct {
	Err error
}

func (e *ProxyConnectError) Error() string {
	return fmt.Sprintf("proxy CONNECT failed: %v", e.Err)
}

func (e *ProxyConnectError) Unwrap() error { return e.Err }
