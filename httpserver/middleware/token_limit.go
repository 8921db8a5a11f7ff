/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/acronis/go-tokenlimit/log"
	"github.com/acronis/go-tokenlimit/tokenlimit"
)

// TokenLimitErrCode is the error code that is used in a response body
// if the client went away while the request was waiting for a permit.
const TokenLimitErrCode = "tokenLimitWaitCanceled"

// TokenLimitOnErrorFunc is a function that is called when the request could not get a permit
// because its context was done while waiting.
type TokenLimitOnErrorFunc func(rw http.ResponseWriter, r *http.Request, err error, logger log.FieldLogger)

// TokenLimitOpts represents options for the TokenLimit middleware.
type TokenLimitOpts struct {
	// GetKey extracts the credential key from the request.
	// By default, the value of Header is used.
	GetKey tokenlimit.KeyFunc[*http.Request]

	// Header is the name of the header with the credential, tokenlimit.DefaultHeader by default.
	Header string

	// OnError handles the request that has not got a permit. DefaultTokenLimitOnError is used by default.
	OnError TokenLimitOnErrorFunc
}

type tokenLimitHandler struct {
	next      http.Handler
	processor *tokenlimit.RequestProcessor
	getKey    tokenlimit.KeyFunc[*http.Request]
	onError   TokenLimitOnErrorFunc
}

// TokenLimit is a middleware that limits the number of concurrently served requests per credential
// (the value of the Authorization header). Requests over the limit wait for a permit.
// Requests without credential are not limited.
func TokenLimit(registry *tokenlimit.Registry) func(next http.Handler) http.Handler {
	return TokenLimitWithOpts(registry, TokenLimitOpts{})
}

// TokenLimitWithOpts is a configurable version of the TokenLimit middleware.
func TokenLimitWithOpts(registry *tokenlimit.Registry, opts TokenLimitOpts) func(next http.Handler) http.Handler {
	getKey := opts.GetKey
	if getKey == nil {
		getKey = tokenlimit.HeaderKeyFunc(opts.Header)
	}
	onError := opts.OnError
	if onError == nil {
		onError = DefaultTokenLimitOnError
	}
	processor := tokenlimit.NewRequestProcessor(registry, tokenlimit.ProcessorOpts{
		GetLogger: GetLoggerFromContextOrDisabled,
	})
	return func(next http.Handler) http.Handler {
		return &tokenLimitHandler{next: next, processor: processor, getKey: getKey, onError: onError}
	}
}

// tokenLimitRequestHandler implements tokenlimit.RequestHandler for incoming HTTP requests.
type tokenLimitRequestHandler struct {
	rw     http.ResponseWriter
	r      *http.Request
	parent *tokenLimitHandler
}

func (rh *tokenLimitRequestHandler) GetContext() context.Context {
	return rh.r.Context()
}

func (rh *tokenLimitRequestHandler) GetKey() (key string, bypass bool) {
	key, ok := rh.parent.getKey(rh.r)
	return key, !ok
}

func (rh *tokenLimitRequestHandler) Execute() error {
	rh.parent.next.ServeHTTP(rh.rw, rh.r)
	return nil
}

func (h *tokenLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	// Execute never fails, so the error may come only from waiting for a permit.
	if err := h.processor.ProcessRequest(&tokenLimitRequestHandler{rw: rw, r: r, parent: h}); err != nil {
		h.onError(rw, r, err, GetLoggerFromContextOrDisabled(r.Context()))
	}
}

type errorResponse struct {
	Error errorResponseBody `json:"error"`
}

type errorResponseBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DefaultTokenLimitOnError logs the error and responds with 503 and a JSON error body.
func DefaultTokenLimitOnError(rw http.ResponseWriter, r *http.Request, err error, logger log.FieldLogger) {
	logger.Warn("request is canceled while waiting for a credential permit", log.Error(err))
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusServiceUnavailable)
	body := errorResponse{Error: errorResponseBody{
		Code:    TokenLimitErrCode,
		Message: "Request was canceled while waiting for the concurrency limit of the credential.",
	}}
	if encErr := json.NewEncoder(rw).Encode(body); encErr != nil {
		logger.Error("failed to write error response body", log.Error(encErr))
	}
}
