// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"sync"

	coaperr "github.com/coapmux/coapmux/pkg/errors"
)

// Observer is an iterator over the responses of one request, usually an
// Observe subscription. Responses are pushed from the I/O side with
// AddResponse and pulled with Next.
//
// Delivery order is newest-first: Next pops the most recently queued
// response. Consumers that keep up see every notification; consumers
// that fall behind see the freshest state before the backlog.
type Observer struct {
	mu        sync.Mutex
	fifo      []*Response
	signal    chan struct{}
	stopCh    chan struct{}
	observing bool
	stopped   bool
	done      bool

	// mult is set when this observer is a subscriber of a multiplier
	// rather than the direct sink of a subscription.
	mult    *ObserverMultiplier
	request *Request
}

func newObserver(req *Request, observing bool) *Observer {
	return &Observer{
		signal:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		observing: observing,
		request:   req,
	}
}

// Request returns the request this observer was created for, or nil for
// multiplier subscribers.
func (o *Observer) Request() *Request { return o.request }

// Observing reports whether more responses are expected from the peer.
func (o *Observer) Observing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.observing
}

// AddResponse queues a response for delivery. An error response ends the
// subscription unless the observer is fed by a multiplier, which owns
// that decision. Responses arriving after Stop are dropped.
func (o *Observer) AddResponse(resp *Response) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.fifo = append(o.fifo, resp)
	if resp.IsError() && o.mult == nil {
		o.observing = false
	}
	o.mu.Unlock()
	o.wake()
}

// wake nudges a blocked Next without queueing anything.
func (o *Observer) wake() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

// Next returns the next response, blocking until one is available, the
// observer is exhausted, or ctx is done. After Stop the very next call
// returns ErrObserverStopped, dropping anything still queued; a stream
// ended upstream stays readable until drained.
func (o *Observer) Next(ctx context.Context) (*Response, error) {
	for {
		o.mu.Lock()
		if o.stopped {
			o.mu.Unlock()
			return nil, coaperr.ErrObserverStopped
		}
		if n := len(o.fifo); n > 0 {
			resp := o.fifo[n-1]
			o.fifo = o.fifo[:n-1]
			if !o.observing {
				o.done = true
			}
			o.mu.Unlock()
			return resp, nil
		}
		if o.done {
			o.mu.Unlock()
			return nil, coaperr.ErrObserverStopped
		}
		o.mu.Unlock()

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if o.mult != nil && o.mult.Process(ctx) {
			// This subscriber pumped the source; re-check the queue.
			continue
		}

		select {
		case <-o.signal:
		case <-o.stopCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// endStream marks the stream as terminated upstream. Queued responses
// stay readable; once drained, Next reports ErrObserverStopped.
func (o *Observer) endStream() {
	o.mu.Lock()
	o.observing = false
	if len(o.fifo) == 0 {
		o.done = true
	}
	o.mu.Unlock()
	o.wake()
}

// Stop ends iteration: the next consumption attempt returns
// ErrObserverStopped and queued responses are discarded. For a directly
// observing observer the upstream subscription is cancelled; for a
// multiplier subscriber only this subscriber detaches, leaving the
// shared subscription running. Idempotent.
func (o *Observer) Stop() error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	o.fifo = nil
	wasObserving := o.observing
	o.observing = false
	mult := o.mult
	req := o.request
	o.mu.Unlock()

	close(o.stopCh)

	if mult != nil {
		mult.RemoveSub(o)
		return nil
	}
	if wasObserving && req != nil {
		return req.CancelObservation()
	}
	return nil
}
