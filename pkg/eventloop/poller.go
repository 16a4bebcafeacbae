// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package eventloop

import "time"

// Event is a bitmask of file-descriptor readiness conditions.
type Event uint32

const (
	// EventRead signals the descriptor is readable.
	EventRead Event = 1 << iota
	// EventWrite signals the descriptor is writable.
	EventWrite
	// EventError signals an error or hangup condition.
	EventError
)

// Poller abstracts the platform readiness mechanism. Implementations are
// not safe for concurrent use except for Wakeup, which may be called from
// any goroutine to interrupt a Wait in progress.
type Poller interface {
	// Add registers a descriptor for the given events.
	Add(fd int, events Event) error

	// Mod changes the events a registered descriptor is watched for.
	Mod(fd int, events Event) error

	// Del removes a descriptor from the watch set.
	Del(fd int) error

	// Wait blocks until readiness or timeout and invokes fn once per
	// ready descriptor. A negative timeout blocks indefinitely. Returns
	// the number of descriptors dispatched.
	Wait(timeout time.Duration, fn func(fd int, events Event)) (int, error)

	// Wakeup interrupts a concurrent Wait.
	Wakeup() error

	// Close releases the poller.
	Close() error
}

func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := int(d / time.Millisecond)
	if ms == 0 && d > 0 {
		ms = 1
	}
	return ms
}
