// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"testing"
	"time"

	coaperr "github.com/coapmux/coapmux/pkg/errors"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	c, err := NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLoopReturnsOnTimeout(t *testing.T) {
	c := newTestContext(t)

	start := time.Now()
	if err := c.Loop(80*time.Millisecond, 20*time.Millisecond, nil); err != nil {
		t.Fatalf("Loop: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond || elapsed > time.Second {
		t.Fatalf("Loop ran for %v, want about 80ms", elapsed)
	}
}

func TestStopLoopInterruptsDrain(t *testing.T) {
	c := newTestContext(t)

	c.EventLoop().After(20*time.Millisecond, c.StopLoop)
	err := c.Loop(5*time.Second, 50*time.Millisecond, nil)
	if err != coaperr.ErrLoopStopped {
		t.Fatalf("Loop = %v, want ErrLoopStopped", err)
	}

	// The stop request is consumed; the next drain runs normally.
	if err := c.Loop(30*time.Millisecond, 10*time.Millisecond, nil); err != nil {
		t.Fatalf("Loop after stop: %v", err)
	}
}

// Port 0 binds an ephemeral port; two such listeners coexist.
func TestListenEphemeralPort(t *testing.T) {
	a := newTestContext(t)
	if err := a.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("first Listen: %v", err)
	}
	if a.ListenAddr().Port == 0 {
		t.Fatal("bound port not resolved")
	}

	b := newTestContext(t)
	if err := b.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("second Listen: %v", err)
	}
	if a.ListenAddr().Port == b.ListenAddr().Port {
		t.Fatalf("both listeners bound port %d", a.ListenAddr().Port)
	}
}

func TestRetainRelease(t *testing.T) {
	c := newTestContext(t)

	r := &Request{}
	c.retain(r)
	if got := c.RetainedCount(); got != 1 {
		t.Fatalf("RetainedCount = %d, want 1", got)
	}
	c.release(r)
	if got := c.RetainedCount(); got != 0 {
		t.Fatalf("RetainedCount = %d, want 0", got)
	}
	// Releasing twice or releasing nil is harmless.
	c.release(r)
	c.release(nil)
}

func TestSendAfterReleaseFails(t *testing.T) {
	c := newTestContext(t)
	sess, err := c.NewSession("coap://127.0.0.1:5683/x")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	sess.Release()
	sess.Release() // idempotent

	if _, err := sess.SendMessage(SendOptions{}); err != coaperr.ErrSessionReleased {
		t.Fatalf("SendMessage = %v, want ErrSessionReleased", err)
	}
}

func TestNewSessionAfterCloseFails(t *testing.T) {
	c, err := NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	c.Close()

	if _, err := c.NewSession("coap://127.0.0.1:5683/x"); err != coaperr.ErrContextClosed {
		t.Fatalf("NewSession = %v, want ErrContextClosed", err)
	}
}

func TestSecureSessionRequiresCredentials(t *testing.T) {
	c := newTestContext(t)
	if _, err := c.NewSession("coaps://127.0.0.1:5684/x"); err == nil {
		t.Fatal("coaps session without credentials succeeded")
	}
}

func TestAddResourceLookup(t *testing.T) {
	c := newTestContext(t)
	r := NewResource("a/b")
	c.AddResource(r)

	if got := c.GetResource("/a/b"); got != r {
		t.Fatalf("GetResource = %v, want the registered resource", got)
	}
	if got := c.GetResource("missing"); got != nil {
		t.Fatalf("GetResource(missing) = %v, want nil", got)
	}
}
