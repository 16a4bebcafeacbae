// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides a circuit breaker for per-peer exchanges. A
// session trips its breaker after consecutive request timeouts or
// negative acknowledgements, so callers fail fast instead of hammering a
// dead peer through the full retransmission schedule.
package breaker

import (
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures before opening.
	MaxFailures int
	// ResetTimeout is how long to stay Open before probing with HalfOpen.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in HalfOpen
	// before closing again.
	SuccessThreshold int
}

// Breaker implements the circuit breaker pattern around request/response
// exchanges. Callers ask Allow before sending and report the outcome with
// RecordSuccess or RecordFailure.
type Breaker struct {
	mu              sync.Mutex
	config          Config
	state           State
	failures        int
	successes       int
	lastStateChange time.Time
}

// New creates a breaker, filling zero config fields with defaults.
func New(config Config) *Breaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}

	return &Breaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether an exchange may be attempted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastStateChange) > b.config.ResetTimeout {
			b.setState(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess reports a completed exchange.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

// RecordFailure reports a timed-out or nacked exchange.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.successes = 0

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.MaxFailures {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		// Any failure while probing reopens immediately.
		b.setState(StateOpen)
	}
}

func (b *Breaker) setState(newState State) {
	if b.state == newState {
		return
	}
	b.state = newState
	b.lastStateChange = time.Now()

	if newState == StateClosed {
		b.failures = 0
		b.successes = 0
	} else if newState == StateHalfOpen {
		b.successes = 0
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
