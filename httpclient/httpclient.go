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

	"github.com/acronis/go-tokenlimit/log"
	"github.com/acronis/go-tokenlimit/lrucache"
	"github.com/acronis/go-tokenlimit/tokenlimit"
)

// Opts provides options for NewWithOpts and MustWithOpts functions.
type Opts struct {
	// UserAgent is a user agent string. GitHub API requires it to be set.
	UserAgent string

	// Delegate is the last RoundTripper in the chain, a clone of http.DefaultTransport is used by default.
	Delegate http.RoundTripper

	// LoggerProvider is a function that provides a context-specific logger.
	LoggerProvider func(ctx context.Context) log.FieldLogger

	// RequestIDProvider is a function that provides a request ID.
	RequestIDProvider func(ctx context.Context) string

	// TokenLimitRegistry is shared between clients which must respect the same per-credential limits.
	// Its owner is responsible for dropping idle pools (see tokenlimit.NewCleanupUnit).
	// If nil, a new registry is created from Config.TokenLimits, and its idle pools are dropped
	// every Config.TokenLimits.CleanupInterval until Context is done.
	TokenLimitRegistry *tokenlimit.Registry

	// Context bounds the lifetime of the client's background work. context.Background() is used by default.
	Context context.Context

	// TokenLimitMetrics collects metrics of the registry created from Config.TokenLimits.
	TokenLimitMetrics lrucache.MetricsCollector
}

// New creates an HTTP client with per-credential concurrency limiting, retries, request id and logging.
func New(cfg *Config) (*http.Client, error) {
	return NewWithOpts(cfg, Opts{})
}

// Must creates an HTTP client as New does and panics if any error occurs.
func Must(cfg *Config) *http.Client {
	client, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return client
}

// NewWithOpts creates an HTTP client with options.
// Round trippers are chained in the following order:
// retries -> token limiting -> request id -> user agent -> logging -> delegate,
// so every retry attempt holds its own permit and the permit is not held while waiting for the next attempt.
func NewWithOpts(cfg *Config, opts Opts) (*http.Client, error) {
	delegate := opts.Delegate
	if delegate == nil {
		delegate = http.DefaultTransport.(*http.Transport).Clone()
	}

	if cfg.Logger.Enabled {
		logOpts := cfg.Logger.TransportOpts()
		logOpts.LoggerProvider = opts.LoggerProvider
		logOpts.CredentialHeader = cfg.TokenLimits.Header
		delegate = NewLoggingRoundTripperWithOpts(delegate, logOpts)
	}

	if opts.UserAgent != "" {
		delegate = NewUserAgentRoundTripper(delegate, opts.UserAgent)
	}

	delegate = NewRequestIDRoundTripperWithOpts(delegate, RequestIDRoundTripperOpts{
		RequestIDProvider: opts.RequestIDProvider,
	})

	if cfg.TokenLimits.Enabled {
		registry := opts.TokenLimitRegistry
		if registry == nil {
			regOpts := cfg.TokenLimits.RegistryOpts()
			regOpts.MetricsCollector = opts.TokenLimitMetrics
			var err error
			if registry, err = tokenlimit.NewRegistry(regOpts); err != nil {
				return nil, fmt.Errorf("create token limit registry: %w", err)
			}
			runTokenLimitCleanup(registry, time.Duration(cfg.TokenLimits.CleanupInterval), opts)
		}
		delegate = NewTokenLimitingRoundTripperWithOpts(delegate, registry, TokenLimitingRoundTripperOpts{
			Header:         cfg.TokenLimits.Header,
			LoggerProvider: opts.LoggerProvider,
		})
	}

	if cfg.Retries.Enabled {
		retryOpts := cfg.Retries.TransportOpts()
		retryOpts.LoggerProvider = opts.LoggerProvider
		var err error
		if delegate, err = NewRetryableRoundTripperWithOpts(delegate, retryOpts); err != nil {
			return nil, fmt.Errorf("create retryable round tripper: %w", err)
		}
	}

	return &http.Client{Transport: delegate, Timeout: time.Duration(cfg.Timeout)}, nil
}

// runTokenLimitCleanup drops idle pools of the client's own registry in the background until opts.Context is done.
func runTokenLimitCleanup(registry *tokenlimit.Registry, interval time.Duration, opts Opts) {
	if interval <= 0 {
		return
	}
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	var logger log.FieldLogger
	if opts.LoggerProvider != nil {
		logger = opts.LoggerProvider(ctx)
	}
	worker := tokenlimit.NewCleanupWorker(registry, interval, logger)
	go func() { _ = worker.Run(ctx) }()
}

// MustWithOpts creates an HTTP client as NewWithOpts does and panics if any error occurs.
func MustWithOpts(cfg *Config, opts Opts) *http.Client {
	client, err := NewWithOpts(cfg, opts)
	if err != nil {
		panic(err)
	}
	return client
}
