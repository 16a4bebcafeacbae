// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"testing"
)

func TestRegistryHooksRefcount(t *testing.T) {
	reg := NewRegistry()
	startups, cleanups := 0, 0
	reg.Startup = func() error { startups++; return nil }
	reg.Cleanup = func() { cleanups++ }

	c1, err := NewContext(WithRegistry(reg))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	c2, err := NewContext(WithRegistry(reg))
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if startups != 1 {
		t.Fatalf("startups = %d, want 1", startups)
	}
	if reg.Count() != 2 {
		t.Fatalf("Count = %d, want 2", reg.Count())
	}

	c1.Close()
	if cleanups != 0 {
		t.Fatalf("cleanup ran with a context still live")
	}
	c2.Close()
	if cleanups != 1 {
		t.Fatalf("cleanups = %d, want 1", cleanups)
	}

	// Closing twice must not double-unregister.
	c2.Close()
	if cleanups != 1 {
		t.Fatalf("cleanups after double close = %d, want 1", cleanups)
	}
}

func TestNextUnixSocketPathUnique(t *testing.T) {
	reg := NewRegistry()
	a := reg.NextUnixSocketPath()
	b := reg.NextUnixSocketPath()
	if a == b {
		t.Fatalf("paths collide: %q", a)
	}
}
