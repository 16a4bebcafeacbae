// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"sync"
)

// ObserverMultiplier fans one source observer out to any number of
// subscriber observers. Subscribers drive the pump from their own Next
// calls; only one pull from the source is in flight at a time. Each
// subscriber gets an independent copy of every response, and a late
// joiner is immediately handed a copy of the last value so it does not
// wait a full notification interval for initial state.
//
// Removing the last subscriber does not cancel the source subscription;
// the owner decides when to call Stop on the source.
type ObserverMultiplier struct {
	source *Observer

	mu      sync.Mutex
	subs    []*Observer
	waiting bool
	last    *Response
}

// NewObserverMultiplier wraps source for fan-out. The source must not be
// consumed directly once wrapped.
func NewObserverMultiplier(source *Observer) *ObserverMultiplier {
	return &ObserverMultiplier{source: source}
}

// Source returns the wrapped observer.
func (m *ObserverMultiplier) Source() *Observer { return m.source }

// GetSubObserver returns a new subscriber observer. If a response has
// already passed through the multiplier, a copy is queued on the new
// subscriber right away.
func (m *ObserverMultiplier) GetSubObserver() *Observer {
	sub := newObserver(nil, true)
	sub.mult = m

	m.mu.Lock()
	m.subs = append(m.subs, sub)
	last := m.last
	m.mu.Unlock()

	if last != nil {
		sub.AddResponse(last.clone())
	}
	return sub
}

// RemoveSub detaches a subscriber. The upstream subscription keeps
// running even when no subscribers remain.
func (m *ObserverMultiplier) RemoveSub(sub *Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s == sub {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

// SubCount returns the number of attached subscribers.
func (m *ObserverMultiplier) SubCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Process pulls at most one response from the source and fans it out,
// reporting whether this caller performed the pull. The waiting guard
// ensures only one subscriber pulls while the others wait on their own
// queues.
func (m *ObserverMultiplier) Process(ctx context.Context) bool {
	m.mu.Lock()
	if m.waiting {
		m.mu.Unlock()
		return false
	}
	m.waiting = true
	m.mu.Unlock()

	resp, err := m.source.Next(ctx)

	m.mu.Lock()
	m.waiting = false
	if err != nil {
		subs := append([]*Observer(nil), m.subs...)
		m.mu.Unlock()
		if ctx.Err() == nil {
			// Source exhausted; let subscribers drain and finish.
			for _, sub := range subs {
				sub.endStream()
			}
		} else {
			// The pull died with this caller's context. Nudge the
			// other subscribers so one of them takes over the pump.
			for _, sub := range subs {
				sub.wake()
			}
		}
		return true
	}
	m.last = resp
	subs := append([]*Observer(nil), m.subs...)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.AddResponse(resp.clone())
	}
	return true
}
