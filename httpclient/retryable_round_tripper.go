/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-tokenlimit/httpserver/middleware"
	"github.com/acronis/go-tokenlimit/log"
	"github.com/acronis/go-tokenlimit/retry"
)

// Default parameter values for RetryableRoundTripper.
const (
	DefaultMaxRetryAttempts                  = 10
	DefaultExponentialBackoffInitialInterval = time.Second
	DefaultExponentialBackoffMultiplier      = 2
	DefaultMaxRetryWaitTime                  = time.Minute
)

// UnlimitedRetryAttempts should be used as RetryableRoundTripperOpts.MaxRetryAttempts value
// when we want to stop retries only by RetryableRoundTripperOpts.BackoffPolicy.
const UnlimitedRetryAttempts = -1

// RetryAttemptNumberHeader is an HTTP header name that will contain the serial number of the retry attempt.
const RetryAttemptNumberHeader = "X-Retry-Attempt"

// Response headers of rate-limited APIs (GitHub, etc.).
const (
	headerRetryAfter         = "Retry-After"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
)

// CheckRetryFunc is a function that is called right after RoundTrip() method
// and determines if the next retry attempt is needed.
type CheckRetryFunc func(ctx context.Context, resp *http.Response, roundTripErr error, doneRetryAttempts int) (bool, error)

// RetryableRoundTripper wraps an object that implements http.RoundTripper interface
// and provides a retrying mechanism for HTTP requests.
// When it wraps TokenLimitingRoundTripper, every attempt waits for its own permit.
type RetryableRoundTripper struct {
	// Delegate is an object that implements http.RoundTripper interface
	// and is used for sending HTTP requests under the hood.
	Delegate http.RoundTripper

	// LoggerProvider is a function that provides a context-specific logger.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// MaxRetryAttempts determines how many maximum retry attempts can be done.
	// The total number of sending HTTP request may be MaxRetryAttempts + 1 (the first request is not a retry attempt).
	// If its value is UnlimitedRetryAttempts, it's supposed that retry mechanism will be stopped by BackoffPolicy.
	MaxRetryAttempts int

	// CheckRetry is called right after RoundTrip() method and determines if the next retry attempt is needed.
	CheckRetry CheckRetryFunc

	// IgnoreRetryAfter determines if Retry-After and X-RateLimit-Reset HTTP headers of the response
	// are used for computing wait time before doing the next retry attempt.
	IgnoreRetryAfter bool

	// MaxRetryWaitTime caps the wait time requested by the server.
	// If the server asks to wait longer, the response is returned to the caller as is.
	MaxRetryWaitTime time.Duration

	// BackoffPolicy is used for computing wait time before doing the next retry attempt
	// when the server doesn't tell how long to wait.
	BackoffPolicy retry.Policy
}

// RetryableRoundTripperOpts represents an options for RetryableRoundTripper.
type RetryableRoundTripperOpts struct {
	// LoggerProvider is a function that provides a context-specific logger.
	// middleware.GetLoggerFromContext is used by default.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// MaxRetryAttempts determines how many maximum retry attempts can be done.
	// By default, DefaultMaxRetryAttempts const is used.
	MaxRetryAttempts int

	// CheckRetryFunc is called right after RoundTrip() method and determines if the next retry attempt is needed.
	// By default, DefaultCheckRetry function is used.
	CheckRetryFunc CheckRetryFunc

	// IgnoreRetryAfter determines if Retry-After and X-RateLimit-Reset HTTP headers are ignored.
	IgnoreRetryAfter bool

	// MaxRetryWaitTime caps the wait time requested by the server. DefaultMaxRetryWaitTime is used by default.
	MaxRetryWaitTime time.Duration

	// BackoffPolicy is used for computing wait time before doing the next retry attempt.
	// By default, DefaultBackoffPolicy is used.
	BackoffPolicy retry.Policy
}

// NewRetryableRoundTripper returns a new instance of RetryableRoundTripper.
func NewRetryableRoundTripper(delegate http.RoundTripper) (*RetryableRoundTripper, error) {
	return NewRetryableRoundTripperWithOpts(delegate, RetryableRoundTripperOpts{})
}

// NewRetryableRoundTripperWithOpts creates a new instance of RetryableRoundTripper with specified options.
func NewRetryableRoundTripperWithOpts(
	delegate http.RoundTripper, opts RetryableRoundTripperOpts,
) (*RetryableRoundTripper, error) {
	if opts.MaxRetryAttempts < 0 && opts.MaxRetryAttempts != UnlimitedRetryAttempts {
		return nil, fmt.Errorf("incorrect max retry attempts")
	}
	if opts.MaxRetryAttempts == 0 {
		opts.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if opts.MaxRetryWaitTime < 0 {
		return nil, fmt.Errorf("max retry wait time should not be negative")
	}
	if opts.MaxRetryWaitTime == 0 {
		opts.MaxRetryWaitTime = DefaultMaxRetryWaitTime
	}
	if opts.LoggerProvider == nil {
		opts.LoggerProvider = middleware.GetLoggerFromContextOrDisabled
	}
	if opts.CheckRetryFunc == nil {
		opts.CheckRetryFunc = DefaultCheckRetry
	}
	if opts.BackoffPolicy == nil {
		opts.BackoffPolicy = DefaultBackoffPolicy
	}

	return &RetryableRoundTripper{
		Delegate:         delegate,
		LoggerProvider:   opts.LoggerProvider,
		MaxRetryAttempts: opts.MaxRetryAttempts,
		CheckRetry:       opts.CheckRetryFunc,
		IgnoreRetryAfter: opts.IgnoreRetryAfter,
		MaxRetryWaitTime: opts.MaxRetryWaitTime,
		BackoffPolicy:    opts.BackoffPolicy,
	}, nil
}

// RoundTrip performs request with retry logic.
// nolint: gocyclo
func (rt *RetryableRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rewindReqBody := func(r *http.Request) error { return nil }
	reqCloned := false
	if req.Body != nil && req.Body != http.NoBody {
		originalReqBody := req.Body
		defer func() {
			_ = originalReqBody.Close() // Per RoundTripper contract.
		}()

		var err error
		req, reqCloned = req.Clone(req.Context()), true // Per RoundTripper contract.
		if rewindReqBody, err = makeRequestBodyRewindable(req); err != nil {
			return nil, &RetryableRoundTripperError{Inner: err}
		}
	}

	reqCtx := req.Context()
	logger := rt.LoggerProvider(reqCtx)
	getNextWaitTime := rt.makeNextWaitTimeProvider()

	var resp *http.Response
	var roundTripErr error
	for curRetryAttemptNum := 0; ; curRetryAttemptNum++ {
		if curRetryAttemptNum > 0 {
			if rewindErr := rewindReqBody(req); rewindErr != nil {
				logger.Error(fmt.Sprintf(
					"failed to rewind request body between retry attempts, %d request(s) done", curRetryAttemptNum),
					log.Error(rewindErr))
				return resp, roundTripErr
			}
			if resp != nil {
				drainResponseBody(resp, logger)
			}
			if !reqCloned {
				req, reqCloned = req.Clone(reqCtx), true // Per RoundTripper contract.
			}
			req.Header.Set(RetryAttemptNumberHeader, strconv.Itoa(curRetryAttemptNum))
		}

		resp, roundTripErr = rt.Delegate.RoundTrip(req)

		needRetry, checkRetryErr := rt.CheckRetry(reqCtx, resp, roundTripErr, curRetryAttemptNum)
		if checkRetryErr != nil {
			logger.Error(fmt.Sprintf(
				"failed to check if retry is needed, %d request(s) done", curRetryAttemptNum+1),
				log.Error(checkRetryErr))
			return resp, roundTripErr
		}
		if !needRetry {
			return resp, roundTripErr
		}

		if rt.MaxRetryAttempts > 0 && curRetryAttemptNum >= rt.MaxRetryAttempts {
			logger.Warnf("max retry attempts exceeded (%d), %d request(s) done",
				rt.MaxRetryAttempts, curRetryAttemptNum+1)
			return resp, roundTripErr
		}
		waitTime, stop := getNextWaitTime(resp)
		if stop {
			return resp, roundTripErr
		}
		if waitTime > rt.MaxRetryWaitTime {
			logger.Warnf("server requested to wait %s before the next retry attempt that exceeds %s, %d request(s) done",
				waitTime, rt.MaxRetryWaitTime, curRetryAttemptNum+1)
			return resp, roundTripErr
		}

		timer := time.NewTimer(waitTime)
		select {
		case <-reqCtx.Done():
			timer.Stop()
			logger.Warnf("context canceled (%v) while waiting for the next retry attempt, %d request(s) done",
				reqCtx.Err(), curRetryAttemptNum+1)
			return resp, roundTripErr
		case <-timer.C:
		}
	}
}

type waitTimeProvider func(resp *http.Response) (waitTime time.Duration, stop bool)

func (rt *RetryableRoundTripper) makeNextWaitTimeProvider() waitTimeProvider {
	bf := rt.BackoffPolicy.NewBackOff()
	return func(resp *http.Response) (waitTime time.Duration, stop bool) {
		if resp != nil && !rt.IgnoreRetryAfter {
			if serverWaitTime, ok := parseWaitTimeFromResponse(resp, time.Now()); ok {
				return serverWaitTime, false
			}
		}
		waitTime = bf.NextBackOff()
		return waitTime, waitTime == backoff.Stop
	}
}

// RetryableRoundTripperError is returned in RoundTrip method of RetryableRoundTripper
// when the original request cannot be potentially retried.
type RetryableRoundTripperError struct {
	Inner error
}

func (e *RetryableRoundTripperError) Error() string {
	return fmt.Sprintf("retryable round trip: %s", e.Inner.Error())
}

// Unwrap returns the next error in the error chain.
func (e *RetryableRoundTripperError) Unwrap() error {
	return e.Inner
}

// DefaultCheckRetry represents default function to determine either retry is needed or not.
// Rate-limited responses (429, and 403 with Retry-After or exhausted X-RateLimit-Remaining as GitHub sends
// for primary and secondary rate limits) are retried for any method since the request was not processed.
// Server errors (5xx) are retried only for idempotent requests (see NewContextWithIdempotentHint).
func DefaultCheckRetry(
	ctx context.Context, resp *http.Response, roundTripErr error, doneRetryAttempts int,
) (needRetry bool, err error) {
	if roundTripErr != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return CheckErrorIsTemporary(roundTripErr), nil
	}
	if resp == nil {
		return false, fmt.Errorf("both response and round trip error are nil")
	}
	if IsRateLimitedResponse(resp) {
		return true, nil
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return isIdempotentRequest(ctx, resp.Request), nil
	}
	return false, nil
}

// IsRateLimitedResponse checks if the server rejected the request because of rate limiting.
func IsRateLimitedResponse(resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		return resp.Header.Get(headerRetryAfter) != "" || resp.Header.Get(headerRateLimitRemaining) == "0"
	}
	return false
}

func isIdempotentRequest(ctx context.Context, req *http.Request) bool {
	if GetIdempotentHintFromContext(ctx) {
		return true
	}
	if req == nil {
		return false
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	}
	return false
}

// DefaultBackoffPolicy is a default backoff policy.
var DefaultBackoffPolicy = retry.ExponentialBackoffPolicy{
	InitialInterval: DefaultExponentialBackoffInitialInterval,
	Multiplier:      DefaultExponentialBackoffMultiplier,
}

// CheckErrorIsTemporary checks either error is temporary or not.
func CheckErrorIsTemporary(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var terr interface{ Temporary() bool }
	ok := errors.As(err, &terr)
	return ok && terr.Temporary()
}

// parseWaitTimeFromResponse returns how long the server asked to wait before the next request.
// Retry-After (seconds or HTTP date) has priority, then X-RateLimit-Reset (unix time)
// if X-RateLimit-Remaining is 0.
func parseWaitTimeFromResponse(resp *http.Response, now time.Time) (waitTime time.Duration, ok bool) {
	if retryAfterVal := resp.Header.Get(headerRetryAfter); retryAfterVal != "" {
		if seconds, err := strconv.Atoi(retryAfterVal); err == nil {
			if seconds < 0 {
				return 0, false
			}
			return time.Duration(seconds) * time.Second, true
		}
		if retryAt, err := http.ParseTime(retryAfterVal); err == nil {
			return nonNegative(retryAt.Sub(now)), true
		}
		return 0, false
	}
	if resp.Header.Get(headerRateLimitRemaining) == "0" {
		if resetUnix, err := strconv.ParseInt(resp.Header.Get(headerRateLimitReset), 10, 64); err == nil && resetUnix > 0 {
			return nonNegative(time.Unix(resetUnix, 0).Sub(now)), true
		}
	}
	return 0, false
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
