/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package tokenlimit

import (
	"context"
	"time"

	"github.com/acronis/go-tokenlimit/log"
)

// RequestHandler abstracts the request of a specific transport (HTTP client, HTTP server, generic service).
type RequestHandler interface {
	// GetContext returns the request context.
	GetContext() context.Context

	// GetKey extracts the credential key from the request.
	// Returns key and bypass (whether the request has no credential and should not be limited).
	GetKey() (key string, bypass bool)

	// Execute processes the actual request.
	Execute() error
}

// ProcessorOpts represents options for the RequestProcessor.
type ProcessorOpts struct {
	// GetLogger returns a logger for the request context.
	// If nil, nothing is logged.
	GetLogger func(ctx context.Context) log.FieldLogger
}

// RequestProcessor handles the per-credential concurrency limiting logic for any request type.
// It holds no per-request state and is safe for concurrent use.
type RequestProcessor struct {
	registry  *Registry
	getLogger func(ctx context.Context) log.FieldLogger
}

// NewRequestProcessor creates a new RequestProcessor which takes pools from the registry.
func NewRequestProcessor(registry *Registry, opts ProcessorOpts) *RequestProcessor {
	getLogger := opts.GetLogger
	if getLogger == nil {
		disabledLogger := log.NewDisabledLogger()
		getLogger = func(context.Context) log.FieldLogger { return disabledLogger }
	}
	return &RequestProcessor{registry: registry, getLogger: getLogger}
}

// ProcessRequest executes the request holding a permit from the pool of its credential.
// Requests without a credential are executed immediately.
// The error returned by Execute is passed through unchanged.
// The only error ProcessRequest introduces is the context error if the request
// is canceled while waiting for a permit (Execute is not called in this case).
func (p *RequestProcessor) ProcessRequest(rh RequestHandler) error {
	key, bypass := rh.GetKey()
	if bypass {
		return rh.Execute()
	}

	pool := p.registry.GetOrCreate(key)
	permit, acquired := pool.TryAcquire()
	if !acquired {
		var err error
		if permit, err = p.waitPermit(rh.GetContext(), key, pool); err != nil {
			return err
		}
	}
	defer permit.Release()

	return rh.Execute()
}

func (p *RequestProcessor) waitPermit(ctx context.Context, key string, pool *Pool) (*Permit, error) {
	logger := p.getLogger(ctx).With(log.String(LogFieldKeyFingerprint, Fingerprint(key)))
	logger.Debug("concurrency limit for credential is reached, waiting for a permit",
		log.Int("limit", pool.Capacity()))

	startTime := time.Now()
	permit, err := pool.Acquire(ctx)
	if err != nil {
		logger.Debug("waiting for a permit is canceled",
			log.Error(err), log.Duration("wait_duration", time.Since(startTime)))
		return nil, err
	}
	logger.Debug("permit is acquired", log.Duration("wait_duration", time.Since(startTime)))
	return permit, nil
}
