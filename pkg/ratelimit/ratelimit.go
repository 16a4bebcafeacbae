// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-peer request rate limiting using the
// token bucket algorithm. The server dispatch path consults it before
// routing a request to a resource handler.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a token bucket holding at most capacity tokens,
// refilled at refillRate tokens per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow reports whether one request should be admitted.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN reports whether n requests should be admitted.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= n {
		tb.tokens -= n
		return true
	}
	return false
}

func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tokensToAdd := int64(elapsed * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// Available returns the number of available tokens.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	return tb.tokens
}

// Limiter tracks one bucket per peer address.
type Limiter struct {
	mu         sync.RWMutex
	buckets    map[string]*TokenBucket
	capacity   int64
	refillRate int64
	maxPeers   int
}

// NewLimiter creates a per-peer limiter. maxPeers bounds the tracked set;
// requests from new peers beyond the bound are rejected outright.
func NewLimiter(capacity, refillRate int64, maxPeers int) *Limiter {
	if maxPeers == 0 {
		maxPeers = 10000
	}
	return &Limiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxPeers:   maxPeers,
	}
}

// Allow reports whether a request from peer should be admitted.
func (l *Limiter) Allow(peer string) bool {
	l.mu.RLock()
	tb, ok := l.buckets[peer]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		tb, ok = l.buckets[peer]
		if !ok {
			if len(l.buckets) >= l.maxPeers {
				l.mu.Unlock()
				return false
			}
			tb = NewTokenBucket(l.capacity, l.refillRate)
			l.buckets[peer] = tb
		}
		l.mu.Unlock()
	}

	return tb.Allow()
}

// Remove forgets a peer's bucket, typically on session teardown.
func (l *Limiter) Remove(peer string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, peer)
}

// Peers returns the number of tracked peers.
func (l *Limiter) Peers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
