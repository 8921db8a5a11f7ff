/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"context"
	"net/http"

	"github.com/acronis/go-tokenlimit/httpserver/middleware"
	"github.com/acronis/go-tokenlimit/log"
	"github.com/acronis/go-tokenlimit/tokenlimit"
)

// TokenLimitingRoundTripperOpts represents an options for TokenLimitingRoundTripper.
type TokenLimitingRoundTripperOpts struct {
	// GetKey extracts the credential key from the outgoing request.
	// By default, the value of the Header is used.
	GetKey tokenlimit.KeyFunc[*http.Request]

	// Header is the name of the header with the credential, tokenlimit.DefaultHeader by default.
	Header string

	// LoggerProvider is a function that provides a context-specific logger.
	// middleware.GetLoggerFromContext is used by default.
	LoggerProvider func(ctx context.Context) log.FieldLogger
}

// TokenLimitingRoundTripper wraps an object that implements http.RoundTripper interface
// and limits the number of concurrently in-flight requests per credential (e.g. GitHub access token).
// Requests over the limit wait for a permit, requests without credential are sent immediately.
// The delegate must be safe for concurrent use (http.Transport is).
type TokenLimitingRoundTripper struct {
	Delegate http.RoundTripper

	processor *tokenlimit.RequestProcessor
	getKey    tokenlimit.KeyFunc[*http.Request]
}

// NewTokenLimitingRoundTripper creates a new TokenLimitingRoundTripper which takes pools from the registry.
// Round trippers created with the same registry share the limits.
func NewTokenLimitingRoundTripper(delegate http.RoundTripper, registry *tokenlimit.Registry) *TokenLimitingRoundTripper {
	return NewTokenLimitingRoundTripperWithOpts(delegate, registry, TokenLimitingRoundTripperOpts{})
}

// NewTokenLimitingRoundTripperWithOpts creates a new TokenLimitingRoundTripper with specified options.
func NewTokenLimitingRoundTripperWithOpts(
	delegate http.RoundTripper, registry *tokenlimit.Registry, opts TokenLimitingRoundTripperOpts,
) *TokenLimitingRoundTripper {
	getKey := opts.GetKey
	if getKey == nil {
		getKey = tokenlimit.HeaderKeyFunc(opts.Header)
	}
	loggerProvider := opts.LoggerProvider
	if loggerProvider == nil {
		loggerProvider = middleware.GetLoggerFromContextOrDisabled
	}
	return &TokenLimitingRoundTripper{
		Delegate:  delegate,
		processor: tokenlimit.NewRequestProcessor(registry, tokenlimit.ProcessorOpts{GetLogger: loggerProvider}),
		getKey:    getKey,
	}
}

// RoundTrip executes a single HTTP transaction holding a permit for the request credential.
// If the request context is done while waiting for a permit, the context error is returned.
func (rt *TokenLimitingRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	rh := &tokenLimitingRequestHandler{r: r, parent: rt}
	if err := rt.processor.ProcessRequest(rh); err != nil {
		if !rh.executed && r.Body != nil {
			_ = r.Body.Close() // Per RoundTripper contract.
		}
		return rh.resp, err
	}
	return rh.resp, nil
}

// tokenLimitingRequestHandler implements tokenlimit.RequestHandler for outgoing HTTP requests.
type tokenLimitingRequestHandler struct {
	r        *http.Request
	resp     *http.Response
	executed bool
	parent   *TokenLimitingRoundTripper
}

func (rh *tokenLimitingRequestHandler) GetContext() context.Context {
	return rh.r.Context()
}

func (rh *tokenLimitingRequestHandler) GetKey() (key string, bypass bool) {
	key, ok := rh.parent.getKey(rh.r)
	return key, !ok
}

func (rh *tokenLimitingRequestHandler) Execute() error {
	rh.executed = true
	var err error
	rh.resp, err = rh.parent.Delegate.RoundTrip(rh.r)
	return err
}
