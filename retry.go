package loom

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryPolicy is the backoff configuration shared by the chat and
// embedding retry wrappers.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // across all attempts; 0 = no limit
	logger      *slog.Logger
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{maxAttempts: 3, baseDelay: time.Second, logger: nopLogger}
}

// RetryOption configures a retry wrapper.
type RetryOption func(*retryPolicy)

// RetryMaxAttempts sets the maximum number of attempts (default 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(p *retryPolicy) { p.maxAttempts = n }
}

// RetryBaseDelay sets the backoff before the second attempt (default
// 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(p *retryPolicy) { p.baseDelay = d }
}

// RetryTimeout bounds the whole retry sequence. Zero (the default)
// disables the bound.
func RetryTimeout(d time.Duration) RetryOption {
	return func(p *retryPolicy) { p.timeout = d }
}

// RetryLogger sets the logger for retry events: attempts at WARN,
// exhaustion at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(p *retryPolicy) { p.logger = l }
}

// WithRetry wraps p with retry on transient HTTP errors (429, 503)
// using exponential backoff with jitter. A Retry-After duration on the
// error raises the delay floor. Composes with any Provider; the
// manager's failover sits above this, so transient blips burn retries
// here before a whole provider is abandoned.
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{inner: p, retryPolicy: defaultRetryPolicy()}
	for _, opt := range opts {
		opt(&r.retryPolicy)
	}
	return r
}

// WithEmbeddingRetry is WithRetry for embedding providers. It accepts
// the same options.
func WithEmbeddingRetry(p EmbeddingProvider, opts ...RetryOption) EmbeddingProvider {
	r := &retryEmbeddingProvider{inner: p, retryPolicy: defaultRetryPolicy()}
	for _, opt := range opts {
		opt(&r.retryPolicy)
	}
	return r
}

// withTimeout derives the attempt context. An existing earlier
// deadline wins over the policy's.
func (p retryPolicy) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(p.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// wait reports whether another attempt should run after err on attempt
// (0-indexed), sleeping the backoff first. ctx cancellation cuts the
// sleep short and stops the loop.
func (p retryPolicy) wait(ctx context.Context, name string, attempt int, err error) bool {
	p.logger.Warn("retrying transient error",
		"provider", name,
		"status", statusOf(err),
		"attempt", attempt+1,
		"max_attempts", p.maxAttempts)
	if attempt >= p.maxAttempts-1 {
		return false
	}
	timer := time.NewTimer(retryDelay(p.baseDelay, attempt, err))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p retryPolicy) exhausted(name string, err error) {
	p.logger.Error("retry attempts exhausted",
		"provider", name,
		"attempts", p.maxAttempts,
		"error", err)
}

type retryProvider struct {
	inner Provider
	retryPolicy
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var last error
	for i := 0; i < r.maxAttempts; i++ {
		resp, err := r.inner.Chat(ctx, req)
		if err == nil || !isTransient(err) {
			return resp, err
		}
		last = err
		if !r.wait(ctx, r.inner.Name(), i, err) {
			if ctx.Err() != nil {
				return ChatResponse{}, ctx.Err()
			}
			break
		}
	}
	r.exhausted(r.inner.Name(), last)
	return ChatResponse{}, last
}

// ChatStream retries only while nothing has been forwarded to ch:
// once deltas have gone out, a retry would duplicate content, so
// mid-stream errors pass through. ch is always closed before
// returning.
func (r *retryProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- Delta) (ChatResponse, error) {
	defer close(ch)
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var last error
	for i := 0; i < r.maxAttempts; i++ {
		forwarded, resp, err := r.streamOnce(ctx, req, ch)
		if err == nil || !isTransient(err) || forwarded {
			return resp, err
		}
		last = err
		if !r.wait(ctx, r.inner.Name(), i, err) {
			if ctx.Err() != nil {
				return ChatResponse{}, ctx.Err()
			}
			break
		}
	}
	r.exhausted(r.inner.Name(), last)
	return ChatResponse{}, last
}

// streamOnce runs one inner stream attempt through an intermediate
// channel and reports whether any delta reached the caller.
func (r *retryProvider) streamOnce(ctx context.Context, req ChatRequest, ch chan<- Delta) (bool, ChatResponse, error) {
	mid := make(chan Delta, 64)
	var (
		resp ChatResponse
		err  error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err = r.inner.ChatStream(ctx, req, mid)
	}()

	forwarded := false
	for d := range mid {
		forwarded = true
		ch <- d
	}
	<-done
	return forwarded, resp, err
}

type retryEmbeddingProvider struct {
	inner EmbeddingProvider
	retryPolicy
}

func (r *retryEmbeddingProvider) Name() string    { return r.inner.Name() }
func (r *retryEmbeddingProvider) Dimensions() int { return r.inner.Dimensions() }

func (r *retryEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var last error
	for i := 0; i < r.maxAttempts; i++ {
		vecs, err := r.inner.Embed(ctx, texts)
		if err == nil || !isTransient(err) {
			return vecs, err
		}
		last = err
		if !r.wait(ctx, r.inner.Name(), i, err) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			break
		}
	}
	r.exhausted(r.inner.Name(), last)
	return nil, last
}

// isTransient reports whether err is worth retrying: rate limits and
// temporary unavailability. Other HTTP statuses are either permanent
// (4xx) or a provider bug (5xx) the manager should fail over on
// instead.
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

// statusOf extracts the HTTP status from err, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryDelay is the sleep before retry i (0-indexed): exponential
// backoff with up to 50% jitter, floored at the server's Retry-After
// when present.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	exp := base * (1 << i)
	delay := exp + time.Duration(rand.Int63n(int64(exp)/2+1))
	var e *ErrHTTP
	if errors.As(err, &e) && e.RetryAfter > delay {
		return e.RetryAfter
	}
	return delay
}

var (
	_ Provider          = (*retryProvider)(nil)
	_ EmbeddingProvider = (*retryEmbeddingProvider)(nil)
)
