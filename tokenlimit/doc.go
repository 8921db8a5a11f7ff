/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package tokenlimit limits the number of concurrently in-flight requests per credential.
//
// Each credential (for example, the value of the Authorization header of a GitHub API request)
// gets its own Pool of permits. Pools are created lazily by the Registry on the first request
// and are dropped from it once the credential has not been used for the configured idle timeout.
// The next request with the same credential starts from a brand-new pool.
//
// Requests without a credential are never throttled.
//
// RequestProcessor contains the limiting logic shared by all adapters:
// LimitedService (generic Service), httpclient.TokenLimitingRoundTripper (outgoing HTTP requests)
// and middleware.TokenLimit (incoming HTTP requests).
package tokenlimit
