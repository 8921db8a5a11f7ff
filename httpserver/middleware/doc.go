/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package middleware contains HTTP server middlewares: request id, logging
// and per-credential concurrency limiting (TokenLimit).
package middleware
