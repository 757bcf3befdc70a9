// Package testutil provides testing utilities for buildfarm.
//
// This package contains mock errors and test helpers used across test files.
// It should only be imported by test files (*_test.go).
package testutil

import "errors"

// Mock errors for testing purposes.
var (
	// ErrMockNetwork simulates a transient network failure talking to a backend.
	ErrMockNetwork = errors.New("network error")

	// ErrMockBackendDown simulates a backend that rejects every call.
	ErrMockBackendDown = errors.New("backend unavailable")
)
