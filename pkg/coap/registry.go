// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Registry tracks live Contexts and owns the process-wide side effects
// that used to hide in globals: engine startup/cleanup hooks driven by
// refcounting, and the counter behind throwaway unix-domain socket paths.
// A Registry is injectable so tests and embedders can isolate state;
// DefaultRegistry serves the common case.
type Registry struct {
	mu       sync.Mutex
	contexts map[*Context]struct{}
	unixSeq  atomic.Uint64

	// Startup runs when the first Context registers; Cleanup when the
	// last one unregisters. Both optional.
	Startup func() error
	Cleanup func()
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{contexts: make(map[*Context]struct{})}
}

// DefaultRegistry is used by Contexts created without an explicit one.
var DefaultRegistry = NewRegistry()

func (r *Registry) register(c *Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.contexts) == 0 && r.Startup != nil {
		if err := r.Startup(); err != nil {
			return fmt.Errorf("registry startup: %w", err)
		}
	}
	r.contexts[c] = struct{}{}
	return nil
}

func (r *Registry) unregister(c *Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.contexts[c]; !ok {
		return
	}
	delete(r.contexts, c)
	if len(r.contexts) == 0 && r.Cleanup != nil {
		r.Cleanup()
	}
}

// Count returns the number of live contexts.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// NextUnixSocketPath allocates a throwaway local socket path for
// unix-domain client sessions, which must bind a local address before
// they can receive replies.
func (r *Registry) NextUnixSocketPath() string {
	n := r.unixSeq.Add(1)
	return filepath.Join(os.TempDir(), fmt.Sprintf("coapmux-%d-%d.sock", os.Getpid(), n))
}
