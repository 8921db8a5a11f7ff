/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package tokenlimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// DefaultHeader is the name of the HTTP header which holds the credential by default.
const DefaultHeader = "Authorization"

// LogFieldKeyFingerprint is the name of the log field with the credential fingerprint.
const LogFieldKeyFingerprint = "credential_fp"

const fingerprintLen = 12

// KeyFromHeader returns the value of the header as a credential key.
// A missing header and an empty (or whitespace-only) value both mean there is no credential.
// Otherwise, the value is used as is, so byte-identical credentials map to the same key.
func KeyFromHeader(h http.Header, name string) (key string, ok bool) {
	v := h.Get(name)
	if strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// HeaderKeyFunc returns a KeyFunc which extracts the credential key from the HTTP request header.
// If name is empty, DefaultHeader is used.
func HeaderKeyFunc(name string) KeyFunc[*http.Request] {
	if name == "" {
		name = DefaultHeader
	}
	return func(r *http.Request) (string, bool) {
		return KeyFromHeader(r.Header, name)
	}
}

// Fingerprint returns a short irreversible representation of the credential key
// that may be safely written to logs.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}
