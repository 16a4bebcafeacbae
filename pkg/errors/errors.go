// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the CoAP engine.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrTimeout indicates a bounded wait elapsed before the awaited
	// token became ready. Distinct from all transport-level errors.
	ErrTimeout = errors.New("request timeout")

	// ErrUnexpectedResponse indicates a response disposition the engine
	// cannot classify further.
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrSessionReleased indicates use of a session after Release.
	ErrSessionReleased = errors.New("session released")

	// ErrContextClosed indicates use of a context after Close.
	ErrContextClosed = errors.New("context closed")

	// ErrObserverStopped ends Observer iteration; analogous to io.EOF
	// for a notification stream.
	ErrObserverStopped = errors.New("observer stopped")

	// ErrLoopStopped indicates the drain loop exited on request.
	ErrLoopStopped = errors.New("loop stopped")

	// ErrNilHandle indicates an engine call expected to produce a handle
	// returned none.
	ErrNilHandle = errors.New("nil handle")

	// ErrCircuitOpen is returned when a session's circuit breaker
	// rejects a request without sending it.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrRateLimited indicates a peer exceeded its request budget.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrNoCredentials indicates a secure session was requested without
	// PSK or certificate material.
	ErrNoCredentials = errors.New("missing credentials")
)

// AddressError reports a target URI whose host could not be resolved to a
// usable transport address.
type AddressError struct {
	URI string
	Err error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("unresolvable address %q: %v", e.URI, e.Err)
}

func (e *AddressError) Unwrap() error { return e.Err }

// EngineError wraps a failing transport or codec call with the operation
// that failed and the underlying cause.
type EngineError struct {
	Op  string // operation that failed (send, decode, socket, ...)
	Err error  // underlying error, typically carrying the OS code
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Engine creates a new EngineError, or nil if err is nil.
func Engine(op string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Op: op, Err: err}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
