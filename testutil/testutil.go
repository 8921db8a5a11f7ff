/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package testutil contains testify-style assertion helpers shared by package tests.
package testutil

type tHelper interface {
	Helper()
}
