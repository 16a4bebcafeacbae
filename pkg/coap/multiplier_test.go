// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message/codes"

	coaperr "github.com/coapmux/coapmux/pkg/errors"
)

func TestMultiplierFansOutToAllSubscribers(t *testing.T) {
	source := newObserver(nil, true)
	mult := NewObserverMultiplier(source)
	sub1 := mult.GetSubObserver()
	sub2 := mult.GetSubObserver()

	source.AddResponse(testResponse(codes.Content, "v1"))

	got1, err := sub1.Next(shortCtx(t))
	if err != nil {
		t.Fatalf("sub1 Next: %v", err)
	}
	got2, err := sub2.Next(shortCtx(t))
	if err != nil {
		t.Fatalf("sub2 Next: %v", err)
	}
	if string(got1.Payload()) != "v1" || string(got2.Payload()) != "v1" {
		t.Fatalf("payloads = %q, %q, want v1 for both", got1.Payload(), got2.Payload())
	}
	if got1 == got2 {
		t.Fatal("subscribers share one wrapper; each must get an independent copy")
	}
}

func TestMultiplierLateJoinerGetsLastValue(t *testing.T) {
	source := newObserver(nil, true)
	mult := NewObserverMultiplier(source)
	sub1 := mult.GetSubObserver()

	source.AddResponse(testResponse(codes.Content, "state"))
	if _, err := sub1.Next(shortCtx(t)); err != nil {
		t.Fatalf("sub1 Next: %v", err)
	}

	late := mult.GetSubObserver()
	got, err := late.Next(shortCtx(t))
	if err != nil {
		t.Fatalf("late Next: %v", err)
	}
	if string(got.Payload()) != "state" {
		t.Fatalf("late joiner got %q, want state", got.Payload())
	}
}

func TestMultiplierRemoveSubKeepsSourceAlive(t *testing.T) {
	source := newObserver(nil, true)
	mult := NewObserverMultiplier(source)
	sub1 := mult.GetSubObserver()
	sub2 := mult.GetSubObserver()

	if err := sub1.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if mult.SubCount() != 1 {
		t.Fatalf("SubCount = %d, want 1", mult.SubCount())
	}
	if source.stopped {
		t.Fatal("removing a subscriber stopped the source")
	}

	// The remaining subscriber still receives.
	source.AddResponse(testResponse(codes.Content, "still"))
	got, err := sub2.Next(shortCtx(t))
	if err != nil {
		t.Fatalf("sub2 Next: %v", err)
	}
	if string(got.Payload()) != "still" {
		t.Fatalf("payload = %q, want still", got.Payload())
	}

	// Even the last subscriber leaving does not cancel upstream.
	if err := sub2.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if mult.SubCount() != 0 {
		t.Fatalf("SubCount = %d, want 0", mult.SubCount())
	}
	if source.stopped {
		t.Fatal("removing the last subscriber stopped the source")
	}
}

// When the subscriber driving the shared pull gives up on its own
// context, another subscriber takes over the pump instead of stalling.
func TestMultiplierPumpHandoffAfterCancelledPull(t *testing.T) {
	source := newObserver(nil, true)
	mult := NewObserverMultiplier(source)
	first := mult.GetSubObserver()
	second := mult.GetSubObserver()

	// First subscriber becomes the pump, then gets cancelled mid-pull.
	pumpCtx, cancelPump := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := first.Next(pumpCtx)
		firstErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	secondGot := make(chan *Response, 1)
	secondErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		resp, err := second.Next(ctx)
		secondGot <- resp
		secondErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancelPump()
	select {
	case err := <-firstErr:
		if err != context.Canceled {
			t.Fatalf("cancelled Next = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled subscriber did not return")
	}

	source.AddResponse(testResponse(codes.Content, "handoff"))
	select {
	case resp := <-secondGot:
		if err := <-secondErr; err != nil {
			t.Fatalf("second Next: %v", err)
		}
		if string(resp.Payload()) != "handoff" {
			t.Fatalf("payload = %q, want handoff", resp.Payload())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remaining subscriber never received after the pump was cancelled")
	}
}

func TestMultiplierSourceEndPropagates(t *testing.T) {
	source := newObserver(nil, true)
	mult := NewObserverMultiplier(source)
	sub := mult.GetSubObserver()

	source.Stop()

	if _, err := sub.Next(shortCtx(t)); err != coaperr.ErrObserverStopped {
		t.Fatalf("Next = %v, want ErrObserverStopped", err)
	}
}
