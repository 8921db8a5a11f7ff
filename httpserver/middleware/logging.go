/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/acronis/go-tokenlimit/log"
	"github.com/acronis/go-tokenlimit/tokenlimit"
)

const userAgentLogFieldKey = "user_agent"

// LoggingOpts represents an options for Logging middleware.
type LoggingOpts struct {
	// ExcludedEndpoints are paths for which the completed response is logged only if it has failed.
	ExcludedEndpoints []string

	// CredentialHeader is the name of the header with the credential.
	// Only its fingerprint is logged. By default, tokenlimit.DefaultHeader is used.
	CredentialHeader string
}

type loggingHandler struct {
	next   http.Handler
	logger log.FieldLogger
	opts   LoggingOpts
}

// Logging is a middleware that logs info about HTTP request and response.
// Also, it puts logger (with request id in fields) into request's context.
func Logging(logger log.FieldLogger) func(next http.Handler) http.Handler {
	return LoggingWithOpts(logger, LoggingOpts{})
}

// LoggingWithOpts is a more configurable version of Logging middleware.
func LoggingWithOpts(logger log.FieldLogger, opts LoggingOpts) func(next http.Handler) http.Handler {
	if opts.CredentialHeader == "" {
		opts.CredentialHeader = tokenlimit.DefaultHeader
	}
	return func(next http.Handler) http.Handler {
		return &loggingHandler{next: next, logger: logger, opts: opts}
	}
}

func (h *loggingHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	loggerForNext := h.logger.With(log.String("request_id", GetRequestIDFromContext(ctx)))
	logFields := []log.Field{
		log.String("method", r.Method),
		log.String("uri", r.URL.Path),
		log.String("remote_addr", r.RemoteAddr),
		log.String(userAgentLogFieldKey, r.UserAgent()),
	}
	if key, ok := tokenlimit.KeyFromHeader(r.Header, h.opts.CredentialHeader); ok {
		logFields = append(logFields, log.String(tokenlimit.LogFieldKeyFingerprint, tokenlimit.Fingerprint(key)))
	}
	logger := loggerForNext.With(logFields...)

	srw := &statusResponseWriter{ResponseWriter: rw}
	h.next.ServeHTTP(srw, r.WithContext(NewContextWithLogger(ctx, loggerForNext)))

	if isLoggingDisabled(r.URL.Path, h.opts.ExcludedEndpoints) && srw.Status() < http.StatusBadRequest {
		return
	}
	duration := time.Since(startTime)
	logger.Info(fmt.Sprintf("response completed in %.3fs", duration.Seconds()),
		log.Int64("duration_ms", duration.Milliseconds()),
		log.Int("status", srw.Status()),
		log.Int("bytes_sent", srw.bytesWritten),
	)
}

func isLoggingDisabled(urlPath string, noLogEndpoints []string) bool {
	for _, endpoint := range noLogEndpoints {
		if urlPath == endpoint {
			return true
		}
	}
	return false
}

// statusResponseWriter remembers the status code and the number of written bytes.
type statusResponseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusResponseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += n
	return n, err
}

// Status returns the response status code. It's 200 if nothing has been written yet.
func (w *statusResponseWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Flush implements http.Flusher if the underlying writer supports it.
func (w *statusResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap allows http.ResponseController to reach the underlying writer.
func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
