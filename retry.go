package penguin

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// retryGateway wraps a ModelGateway and automatically retries transient
// errors (rate limits, brief provider outages) with exponential backoff.
type retryGateway struct {
	inner       ModelGateway
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger
}

// RetryOption configures a retryGateway.
type RetryOption func(*retryGateway)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryGateway) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryGateway) { r.baseDelay = d }
}

// RetryTimeout sets the overall deadline for the entire retry sequence.
// The zero value (default) disables the timeout.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryGateway) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. Retries log
// at WARN and exhausted attempts at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryGateway) { r.logger = l }
}

// WithRetry wraps gw with automatic retry on transient errors. Retries
// use exponential backoff with jitter; when the error carries a
// RetryAfter hint the delay is at least that long. Compose freely:
//
//	gw = penguin.WithRetry(openaiGateway)
//	gw = penguin.WithRetry(gw, penguin.RetryMaxAttempts(5))
func WithRetry(gw ModelGateway, opts ...RetryOption) ModelGateway {
	r := &retryGateway{
		inner:       gw,
		maxAttempts: 3,
		baseDelay:   time.Second,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stream implements ModelGateway with retry. Retries happen only while
// no delta has been relayed to ch yet. Once streaming has started,
// errors pass through immediately so consumers never see duplicate
// content. ch is always closed before returning.
func (r *retryGateway) Stream(ctx context.Context, req ModelRequest, ch chan<- StreamDelta) (ModelResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var lastErr error
	for i := 0; i < r.maxAttempts; i++ {
		mid := make(chan StreamDelta, 64)
		var (
			resp      ModelResponse
			streamErr error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			resp, streamErr = r.inner.Stream(ctx, req, mid)
		}()

		var deltasSent bool
		for d := range mid {
			deltasSent = true
			ch <- d
		}
		<-done

		if streamErr == nil || !isTransient(streamErr) || deltasSent {
			close(ch)
			return resp, streamErr
		}

		lastErr = streamErr
		r.logger.Warn("retrying transient gateway error",
			"attempt", i+1,
			"max_attempts", r.maxAttempts,
			"error", streamErr)
		if i < r.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(r.baseDelay, i, streamErr))
			select {
			case <-ctx.Done():
				timer.Stop()
				close(ch)
				return ModelResponse{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	r.logger.Error("all gateway retry attempts exhausted",
		"attempts", r.maxAttempts,
		"error", lastErr)
	close(ch)
	return ModelResponse{}, lastErr
}

// withTimeout returns a child context with a deadline if r.timeout is
// set. If ctx already has an earlier deadline, returns ctx unchanged.
func (r *retryGateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the provider's RetryAfter hint (if present) as a
// minimum.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

var _ ModelGateway = (*retryGateway)(nil)
