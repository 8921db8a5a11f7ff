/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/acronis/go-tokenlimit/httpserver/middleware"
	"github.com/acronis/go-tokenlimit/log"
	"github.com/acronis/go-tokenlimit/tokenlimit"
)

// LoggingMode represents a mode of logging.
type LoggingMode string

// Logging modes.
const (
	LoggingModeNone   LoggingMode = "none"
	LoggingModeAll    LoggingMode = "all"
	LoggingModeFailed LoggingMode = "failed"
)

// IsValid checks if the logger mode is valid.
func (lm LoggingMode) IsValid() bool {
	switch lm {
	case LoggingModeNone, LoggingModeAll, LoggingModeFailed:
		return true
	}
	return false
}

// LoggingRoundTripperOpts represents an options for LoggingRoundTripper.
type LoggingRoundTripperOpts struct {
	// LoggerProvider is a function that provides a context-specific logger.
	// middleware.GetLoggerFromContext is used by default.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// Mode of logging: none, all, failed. LoggingModeAll is used by default.
	Mode LoggingMode

	// SlowRequestThreshold is a threshold for slow requests, only slower requests are logged.
	SlowRequestThreshold time.Duration

	// CredentialHeader is the name of the header with the credential.
	// Only its fingerprint is logged. By default, tokenlimit.DefaultHeader is used.
	CredentialHeader string
}

// LoggingRoundTripper implements http.RoundTripper for logging requests.
type LoggingRoundTripper struct {
	Delegate http.RoundTripper
	Opts     LoggingRoundTripperOpts
}

// NewLoggingRoundTripper creates an HTTP transport that log requests.
func NewLoggingRoundTripper(delegate http.RoundTripper) *LoggingRoundTripper {
	return NewLoggingRoundTripperWithOpts(delegate, LoggingRoundTripperOpts{})
}

// NewLoggingRoundTripperWithOpts creates an HTTP transport that log requests with options.
func NewLoggingRoundTripperWithOpts(delegate http.RoundTripper, opts LoggingRoundTripperOpts) *LoggingRoundTripper {
	if opts.Mode == "" {
		opts.Mode = LoggingModeAll
	}
	if opts.LoggerProvider == nil {
		opts.LoggerProvider = middleware.GetLoggerFromContextOrDisabled
	}
	if opts.CredentialHeader == "" {
		opts.CredentialHeader = tokenlimit.DefaultHeader
	}
	return &LoggingRoundTripper{Delegate: delegate, Opts: opts}
}

// RoundTrip adds logging capabilities to the HTTP transport.
func (rt *LoggingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	if rt.Opts.Mode == LoggingModeNone {
		return rt.Delegate.RoundTrip(r)
	}

	start := time.Now()
	resp, err := rt.Delegate.RoundTrip(r)
	elapsed := time.Since(start)

	if elapsed < rt.Opts.SlowRequestThreshold {
		return resp, err
	}
	if rt.Opts.Mode == LoggingModeFailed && err == nil && resp.StatusCode < http.StatusBadRequest {
		return resp, err
	}

	logFields := []log.Field{
		log.String("method", r.Method),
		log.String("url", r.URL.Redacted()),
		log.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if key, ok := tokenlimit.KeyFromHeader(r.Header, rt.Opts.CredentialHeader); ok {
		logFields = append(logFields, log.String(tokenlimit.LogFieldKeyFingerprint, tokenlimit.Fingerprint(key)))
	}

	logger := rt.Opts.LoggerProvider(r.Context())
	msg := fmt.Sprintf("client http request %s %s", r.Method, r.URL.Redacted())
	if err != nil {
		logger.Error(msg+" failed", append(logFields, log.Error(err))...)
		return resp, err
	}
	logFields = append(logFields, log.Int("status", resp.StatusCode))
	if remaining := resp.Header.Get(headerRateLimitRemaining); remaining != "" {
		logFields = append(logFields, log.String("rate_limit_remaining", remaining))
	}
	logger.Info(fmt.Sprintf("%s completed in %.3fs", msg, elapsed.Seconds()), logFields...)
	return resp, err
}
