/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package service

// Unit represents a component of an application with its own lifecycle,
// e.g. a background sweep of idle per-credential pools.
type Unit interface {
	// Start begins the unit's operation. It may block the calling goroutine for the unit's lifetime.
	// If the unit fails, the error is written to fatalErr. The channel is not used after Start returns.
	Start(fatalErr chan<- error)

	// Stop halts the unit. If gracefully is true, it waits until the unit finishes its current work.
	// It may be called even if Start has failed.
	Stop(gracefully bool) error
}
