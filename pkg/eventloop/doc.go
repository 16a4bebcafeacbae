// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

// Package eventloop implements the single-goroutine reactor driving all
// engine I/O. File-descriptor readiness is delivered through an epoll
// poller on Linux and a poll(2) fallback elsewhere. Cross-goroutine work
// enters through Submit and executes on the loop goroutine, so everything
// dispatched by the loop is strictly serialized.
package eventloop
