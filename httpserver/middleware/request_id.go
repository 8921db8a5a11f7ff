/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"

	"github.com/rs/xid"
)

// HeaderRequestID is the name of the HTTP header with the request id.
const HeaderRequestID = "X-Request-ID"

// RequestIDOpts represents an options for RequestID middleware.
type RequestIDOpts struct {
	GenerateID func() string
}

type requestIDHandler struct {
	next       http.Handler
	generateID func() string
}

// NewRequestID returns a new unique request id.
// It's using xid (based on Mongo Object ID algorithm) which is fast and has enough entropy.
func NewRequestID() string {
	return xid.New().String()
}

// RequestID is a middleware that reads value of X-Request-ID request's HTTP header and generates new one if it's empty.
// The id is put into request's context and returned in the X-Request-ID response header.
func RequestID() func(next http.Handler) http.Handler {
	return RequestIDWithOpts(RequestIDOpts{})
}

// RequestIDWithOpts is a more configurable version of RequestID middleware.
func RequestIDWithOpts(opts RequestIDOpts) func(next http.Handler) http.Handler {
	generateID := opts.GenerateID
	if generateID == nil {
		generateID = NewRequestID
	}
	return func(next http.Handler) http.Handler {
		return &requestIDHandler{next: next, generateID: generateID}
	}
}

func (h *requestIDHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = h.generateID()
	}
	rw.Header().Set(HeaderRequestID, requestID)
	h.next.ServeHTTP(rw, r.WithContext(NewContextWithRequestID(r.Context(), requestID)))
}
