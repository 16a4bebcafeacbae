// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package eventloop

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// FDCallback is invoked on the loop goroutine when a registered
// descriptor becomes ready.
type FDCallback func(fd int, events Event)

// Timer is a scheduled callback. It fires at most once.
type Timer struct {
	loop  *Loop
	when  time.Time
	fn    func()
	index int // heap index, -1 once fired or stopped
}

// Stop cancels the timer if it has not fired. Safe to call from any
// goroutine and more than once.
func (t *Timer) Stop() {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	if t.index >= 0 {
		heap.Remove(&t.loop.timers, t.index)
		t.index = -1
	}
}

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { t := x.(*Timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Loop multiplexes descriptor readiness, timers, and submitted work onto
// whichever goroutine drives Run or RunOnce. Only one goroutine may drive
// the loop at a time; everything the loop dispatches is serialized on it.
type Loop struct {
	poller    Poller
	logger    *slog.Logger
	mu        sync.Mutex
	submitted *queue.Queue
	timers    timerHeap
	callbacks map[int]FDCallback
	stopped   atomic.Bool

	runMu   sync.Mutex
	runDone chan struct{} // non-nil while Run drives the loop
}

// New creates a loop backed by the platform poller.
func New(logger *slog.Logger) (*Loop, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p, err := NewPoller()
	if err != nil {
		return nil, err
	}
	return &Loop{
		poller:    p,
		logger:    logger,
		submitted: queue.New(),
		callbacks: make(map[int]FDCallback),
	}, nil
}

// Register watches a descriptor and routes its readiness to cb.
func (l *Loop) Register(fd int, events Event, cb FDCallback) error {
	l.mu.Lock()
	if _, ok := l.callbacks[fd]; ok {
		l.mu.Unlock()
		return fmt.Errorf("fd %d already registered", fd)
	}
	l.callbacks[fd] = cb
	l.mu.Unlock()

	if err := l.poller.Add(fd, events); err != nil {
		l.mu.Lock()
		delete(l.callbacks, fd)
		l.mu.Unlock()
		return err
	}
	return l.poller.Wakeup()
}

// Deregister stops watching a descriptor.
func (l *Loop) Deregister(fd int) error {
	l.mu.Lock()
	_, ok := l.callbacks[fd]
	delete(l.callbacks, fd)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("fd %d not registered", fd)
	}
	return l.poller.Del(fd)
}

// Registered reports whether fd is currently watched.
func (l *Loop) Registered(fd int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.callbacks[fd]
	return ok
}

// Submit queues fn to run on the loop goroutine. Safe from any goroutine.
func (l *Loop) Submit(fn func()) {
	l.mu.Lock()
	l.submitted.Add(fn)
	l.mu.Unlock()
	if err := l.poller.Wakeup(); err != nil {
		l.logger.Error("loop wakeup failed", slog.String("error", err.Error()))
	}
}

// After schedules fn on the loop goroutine after d elapses.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, when: time.Now().Add(d), fn: fn}
	l.mu.Lock()
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	if err := l.poller.Wakeup(); err != nil {
		l.logger.Error("loop wakeup failed", slog.String("error", err.Error()))
	}
	return t
}

// nextWait computes how long the poller may sleep given pending work and
// the caller's bound. A negative bound means "no bound".
func (l *Loop) nextWait(bound time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	wait := bound
	if l.submitted.Length() > 0 {
		return 0
	}
	if len(l.timers) > 0 {
		until := time.Until(l.timers[0].when)
		if until < 0 {
			until = 0
		}
		if wait < 0 || until < wait {
			wait = until
		}
	}
	return wait
}

// RunOnce drives one round of the loop: it waits up to timeout for
// readiness (shortened by due timers and pending submits), dispatches
// descriptor callbacks, then runs submitted work and due timers. Returns
// the number of descriptors dispatched.
func (l *Loop) RunOnce(timeout time.Duration) (int, error) {
	n, err := l.poller.Wait(l.nextWait(timeout), func(fd int, events Event) {
		l.mu.Lock()
		cb := l.callbacks[fd]
		l.mu.Unlock()
		if cb == nil {
			return
		}
		l.invoke(func() { cb(fd, events) })
	})
	if err != nil {
		return n, err
	}

	l.drainSubmitted()
	l.fireTimers()
	return n, nil
}

func (l *Loop) drainSubmitted() {
	for {
		l.mu.Lock()
		if l.submitted.Length() == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.submitted.Remove().(func())
		l.mu.Unlock()
		l.invoke(fn)
	}
}

func (l *Loop) fireTimers() {
	now := time.Now()
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].when.After(now) {
			l.mu.Unlock()
			return
		}
		t := heap.Pop(&l.timers).(*Timer)
		l.mu.Unlock()
		l.invoke(t.fn)
	}
}

// invoke runs a dispatched callback, recovering panics so one misbehaving
// callback cannot abort the I/O cycle for everything else on the loop.
func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop callback panic", slog.Any("panic", r))
		}
	}()
	fn()
}

// Run drives the loop until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	done := make(chan struct{})
	l.runMu.Lock()
	l.stopped.Store(false)
	l.runDone = done
	l.runMu.Unlock()
	defer func() {
		l.runMu.Lock()
		l.runDone = nil
		l.runMu.Unlock()
		close(done)
	}()

	stop := context.AfterFunc(ctx, func() {
		l.Stop()
	})
	defer stop()

	for {
		if l.stopped.Load() {
			return ctx.Err()
		}
		if _, err := l.RunOnce(-1); err != nil {
			return err
		}
	}
}

// Stop makes Run return after the current round. Safe from any goroutine.
func (l *Loop) Stop() {
	l.stopped.Store(true)
	if err := l.poller.Wakeup(); err != nil {
		l.logger.Error("loop wakeup failed", slog.String("error", err.Error()))
	}
}

// Close stops a driving Run, waits for it to return, and releases the
// poller. The stop wakeup must go out while the poller is still open; a
// blocked wait is not interrupted by closing its descriptors.
func (l *Loop) Close() error {
	l.runMu.Lock()
	l.stopped.Store(true)
	done := l.runDone
	l.runMu.Unlock()
	if done != nil {
		if err := l.poller.Wakeup(); err != nil {
			l.logger.Error("loop wakeup failed", slog.String("error", err.Error()))
		}
		<-done
	}
	return l.poller.Close()
}
