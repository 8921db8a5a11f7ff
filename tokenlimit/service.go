/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package tokenlimit

import (
	"context"
)

// Service is an asynchronous request-response operation with a readiness check.
// Implementations must be safe for concurrent use.
type Service[Req, Resp any] interface {
	// Ready reports whether the service can accept a request now.
	// A non-nil error signals backpressure or unavailability.
	Ready(ctx context.Context) error

	// Call processes the request.
	Call(ctx context.Context, req Req) (Resp, error)
}

// ServiceFunc is an adapter to allow the use of ordinary functions as a Service that is always ready.
type ServiceFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Ready always returns nil.
func (f ServiceFunc[Req, Resp]) Ready(context.Context) error {
	return nil
}

// Call calls f(ctx, req).
func (f ServiceFunc[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	return f(ctx, req)
}

// KeyFunc extracts the credential key from the request.
// It returns false if the request has no credential.
type KeyFunc[Req any] func(req Req) (key string, ok bool)

// LimitedService wraps a Service and limits the number of concurrent calls per credential.
// It has exactly the same shape as the wrapped service.
type LimitedService[Req, Resp any] struct {
	inner     Service[Req, Resp]
	getKey    KeyFunc[Req]
	processor *RequestProcessor
}

var _ Service[struct{}, struct{}] = (*LimitedService[struct{}, struct{}])(nil)

// NewLimitedService creates a new LimitedService.
// All services created with the same registry share pools of the same credentials.
func NewLimitedService[Req, Resp any](
	inner Service[Req, Resp], getKey KeyFunc[Req], registry *Registry, opts ProcessorOpts,
) *LimitedService[Req, Resp] {
	return &LimitedService[Req, Resp]{
		inner:     inner,
		getKey:    getKey,
		processor: NewRequestProcessor(registry, opts),
	}
}

// Layer returns a function that wraps services with the per-credential concurrency limiting.
// All wrapped services share the registry, so the limit of a credential is common for them.
func Layer[Req, Resp any](
	getKey KeyFunc[Req], registry *Registry, opts ProcessorOpts,
) func(Service[Req, Resp]) Service[Req, Resp] {
	processor := NewRequestProcessor(registry, opts)
	return func(inner Service[Req, Resp]) Service[Req, Resp] {
		return &LimitedService[Req, Resp]{inner: inner, getKey: getKey, processor: processor}
	}
}

// Ready delegates to the wrapped service. It never waits for a permit.
func (s *LimitedService[Req, Resp]) Ready(ctx context.Context) error {
	return s.inner.Ready(ctx)
}

// Call calls the wrapped service holding a permit for the request credential.
// Requests without a credential are not limited.
func (s *LimitedService[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	rh := &serviceRequestHandler[Req, Resp]{ctx: ctx, req: req, svc: s}
	err := s.processor.ProcessRequest(rh)
	return rh.resp, err
}

type serviceRequestHandler[Req, Resp any] struct {
	ctx  context.Context
	req  Req
	resp Resp
	svc  *LimitedService[Req, Resp]
}

func (rh *serviceRequestHandler[Req, Resp]) GetContext() context.Context {
	return rh.ctx
}

func (rh *serviceRequestHandler[Req, Resp]) GetKey() (key string, bypass bool) {
	key, ok := rh.svc.getKey(rh.req)
	return key, !ok
}

func (rh *serviceRequestHandler[Req, Resp]) Execute() error {
	var err error
	rh.resp, err = rh.svc.inner.Call(rh.ctx, rh.req)
	return err
}
