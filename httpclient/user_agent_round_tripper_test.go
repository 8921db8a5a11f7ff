/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUserAgentRoundTripper_RoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		reqUA     string
		strategy  UserAgentUpdateStrategy
		expectedU string
	}{
		{name: "empty user agent is set", expectedU: "go-tokenlimit/1.0"},
		{name: "existing user agent is kept", reqUA: "my-bot", expectedU: "my-bot"},
		{name: "existing user agent is appended", reqUA: "my-bot", strategy: UserAgentUpdateStrategyAppend,
			expectedU: "my-bot go-tokenlimit/1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUA string
			next := roundTripperFunc(func(r *http.Request) (*http.Response, error) {
				gotUA = r.UserAgent()
				return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
			})
			rt := NewUserAgentRoundTripper(next, "go-tokenlimit/1.0")
			rt.UpdateStrategy = tt.strategy

			req := httptest.NewRequest(http.MethodGet, "https://api.github.com/user", nil)
			if tt.reqUA != "" {
				req.Header.Set("User-Agent", tt.reqUA)
			}
			_, err := rt.RoundTrip(req)
			require.NoError(t, err)
			require.Equal(t, tt.expectedU, gotUA)
		})
	}
}
