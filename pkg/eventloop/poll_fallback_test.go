// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux && !windows

package eventloop

import (
	"context"
	"os"
	"testing"
	"time"
)

// The watch set is mutated from caller goroutines while the loop
// goroutine snapshots it in Wait; this churns both sides under the race
// detector.
func TestPollWatchSetConcurrentMutation(t *testing.T) {
	l := newTestLoop(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(context.Background())
	}()
	t.Cleanup(func() {
		l.Stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("loop goroutine did not stop")
		}
	})

	for i := 0; i < 50; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			t.Fatalf("pipe: %v", err)
		}
		fd := int(r.Fd())
		if err := l.Register(fd, EventRead, func(int, Event) {}); err != nil {
			t.Fatalf("Register: %v", err)
		}
		if err := l.Deregister(fd); err != nil {
			t.Fatalf("Deregister: %v", err)
		}
		r.Close()
		w.Close()
	}
}
