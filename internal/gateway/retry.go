package gateway

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"time"
)

// Backoff configures the retry delay curve for transient provider failures.
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
}

func defaultBackoff() Backoff {
	return Backoff{
		Initial: 500 * time.Millisecond,
		Factor:  2.0,
		Max:     30 * time.Second,
	}
}

// delayForAttempt returns the delay before retry attempt n (1-indexed).
func (b Backoff) delayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Initial <= 0 {
		return 0
	}
	d := float64(b.Initial) * math.Pow(b.Factor, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryableStatus reports whether an HTTP status is worth retrying.
// Authentication and validation failures are fatal: retrying them only burns
// the attempt budget.
func retryableStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// retryableErr reports whether a transport error is worth retrying.
func retryableErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Deadline on the per-call context counts as a provider timeout.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Connection resets and refusals surface as *net.OpError.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
