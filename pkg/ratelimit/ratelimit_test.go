// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
)

func TestTokenBucketExhausts(t *testing.T) {
	tb := NewTokenBucket(3, 1)
	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("request %d rejected with tokens available", i)
		}
	}
	if tb.Allow() {
		t.Fatal("request admitted from an empty bucket")
	}
}

func TestTokenBucketAllowN(t *testing.T) {
	tb := NewTokenBucket(5, 1)
	if !tb.AllowN(5) {
		t.Fatal("AllowN(5) rejected with a full bucket")
	}
	if tb.AllowN(1) {
		t.Fatal("AllowN(1) admitted from an empty bucket")
	}
	if got := tb.Available(); got != 0 {
		t.Fatalf("Available = %d, want 0", got)
	}
}

func TestLimiterIsolatesPeers(t *testing.T) {
	l := NewLimiter(1, 1, 0)
	if !l.Allow("a") {
		t.Fatal("first request from a rejected")
	}
	if l.Allow("a") {
		t.Fatal("second request from a admitted")
	}
	if !l.Allow("b") {
		t.Fatal("b throttled by a's bucket")
	}
	if l.Peers() != 2 {
		t.Fatalf("Peers = %d, want 2", l.Peers())
	}
}

func TestLimiterRemove(t *testing.T) {
	l := NewLimiter(1, 1, 0)
	l.Allow("a")
	if l.Allow("a") {
		t.Fatal("a's bucket not exhausted")
	}
	l.Remove("a")
	if !l.Allow("a") {
		t.Fatal("a rejected after Remove reset its bucket")
	}
}

func TestLimiterMaxPeers(t *testing.T) {
	l := NewLimiter(10, 10, 2)
	if !l.Allow("a") || !l.Allow("b") {
		t.Fatal("peers within bound rejected")
	}
	if l.Allow("c") {
		t.Fatal("peer beyond the bound admitted")
	}
}
