/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package lrucache provides in-memory cache with LRU eviction policy, time-to-idle expiration
// and Prometheus metrics.
package lrucache
