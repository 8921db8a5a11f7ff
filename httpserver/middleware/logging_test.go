/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-tokenlimit/log"
	"github.com/acronis/go-tokenlimit/log/logtest"
	"github.com/acronis/go-tokenlimit/tokenlimit"
)

func TestLoggingHandler_ServeHTTP(t *testing.T) {
	t.Run("request and response are logged, logger is put into context", func(t *testing.T) {
		logger := logtest.NewRecorder()
		var loggerInCtx log.FieldLogger
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			loggerInCtx = GetLoggerFromContext(r.Context())
			rw.WriteHeader(http.StatusAccepted)
			_, _ = rw.Write([]byte("ok"))
		})
		req := httptest.NewRequest(http.MethodPost, "/repos/acronis/go-tokenlimit/issues", nil)
		req.Header.Set("Authorization", "Bearer ghp_secret")
		req = req.WithContext(NewContextWithRequestID(req.Context(), "req-1"))

		Logging(logger)(next).ServeHTTP(httptest.NewRecorder(), req)

		require.NotNil(t, loggerInCtx)
		entries := logger.Entries()
		require.Len(t, entries, 1)
		require.True(t, strings.HasPrefix(entries[0].Text, "response completed in "))

		field, found := entries[0].FindField("status")
		require.True(t, found)
		require.EqualValues(t, http.StatusAccepted, field.Int)
		field, found = entries[0].FindField("bytes_sent")
		require.True(t, found)
		require.EqualValues(t, 2, field.Int)
		field, found = entries[0].FindField("request_id")
		require.True(t, found)
		require.Equal(t, "req-1", string(field.Bytes))
		field, found = entries[0].FindField(tokenlimit.LogFieldKeyFingerprint)
		require.True(t, found)
		require.Equal(t, tokenlimit.Fingerprint("Bearer ghp_secret"), string(field.Bytes))
		require.False(t, logger.Contains("ghp_secret"))
	})

	t.Run("excluded endpoint is logged only on failure", func(t *testing.T) {
		logger := logtest.NewRecorder()
		status := http.StatusOK
		next := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rw.WriteHeader(status)
		})
		h := LoggingWithOpts(logger, LoggingOpts{ExcludedEndpoints: []string{"/healthz"}})(next)

		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Empty(t, logger.Entries())

		status = http.StatusInternalServerError
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Len(t, logger.Entries(), 1)

		_, found := logger.Entries()[0].FindField(tokenlimit.LogFieldKeyFingerprint)
		require.False(t, found)
	})
}
