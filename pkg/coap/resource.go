// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// ResourceResponse is filled in by a method handler. A zero Code is
// promoted to 2.05 Content on the wire.
type ResourceResponse struct {
	Code          codes.Code
	Payload       []byte
	ContentFormat *message.MediaType
}

// SetText sets a text/plain payload.
func (r *ResourceResponse) SetText(s string) {
	cf := message.TextPlain
	r.Payload = []byte(s)
	r.ContentFormat = &cf
}

// MethodHandler serves one method on a resource. It runs on the I/O
// goroutine and must not block.
type MethodHandler func(s *Session, req *Request, resp *ResourceResponse)

type resourceObserver struct {
	session *Session
	token   message.Token
	typ     message.Type
}

// Resource is one server-side URI with per-method handlers and an
// observer list fed by Notify.
type Resource struct {
	path       string
	title      string
	observable bool
	unknown    bool

	mu        sync.Mutex
	ctx       *Context
	handlers  map[codes.Code]MethodHandler
	observers map[string]*resourceObserver
	seq       uint32
}

// NewResource creates a resource for path.
func NewResource(path string) *Resource {
	return &Resource{
		path:      strings.TrimPrefix(path, "/"),
		handlers:  make(map[codes.Code]MethodHandler),
		observers: make(map[string]*resourceObserver),
		seq:       1,
	}
}

// NewUnknownResource creates the catch-all resource for requests whose
// path matches nothing registered. The handler lands in the PUT slot and
// serves as fallback for every method.
func NewUnknownResource(h MethodHandler) *Resource {
	r := NewResource("")
	r.unknown = true
	r.handlers[codes.PUT] = h
	return r
}

// Path returns the resource path without a leading slash.
func (r *Resource) Path() string { return r.path }

// SetTitle sets the link-format title attribute.
func (r *Resource) SetTitle(title string) *Resource {
	r.title = title
	return r
}

// SetObservable advertises the resource as observable and enables
// Observe registration on GET.
func (r *Resource) SetObservable(on bool) *Resource {
	r.observable = on
	return r
}

// AddHandler registers a method handler. The zero code registers GET.
func (r *Resource) AddHandler(code codes.Code, h MethodHandler) *Resource {
	if code == codes.Empty {
		code = codes.GET
	}
	r.mu.Lock()
	r.handlers[code] = h
	r.mu.Unlock()
	return r
}

// ObserverCount returns the number of registered observers.
func (r *Resource) ObserverCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}

func observerKey(s *Session, token message.Token) string {
	return fmt.Sprintf("%s/%x", s.ID, token)
}

// dispatch serves one inbound request. Confirmable requests get a
// piggybacked acknowledgement; non-confirmable ones a NON response.
func (r *Resource) dispatch(s *Session, req *Request) Disposition {
	r.mu.Lock()
	handler, ok := r.handlers[req.Code()]
	if !ok && r.unknown {
		handler, ok = r.handlers[codes.PUT]
	}
	r.mu.Unlock()

	respType := message.NonConfirmable
	if req.Type() == message.Confirmable {
		respType = message.Acknowledgement
	}

	if !ok {
		if err := s.sendResponse(req, codes.MethodNotAllowed, respType, nil, nil, nil); err != nil {
			s.logger.Warn("response send failed", "path", r.path, "error", err)
		}
		return DispositionOK
	}

	var observeSeq *uint32
	if r.observable && req.Code() == codes.GET {
		if obs, present := req.Observe(); present {
			switch obs {
			case 0:
				seq := r.register(s, req)
				observeSeq = &seq
			case 1:
				r.deregister(s, req.Token())
			}
		}
	}

	out := &ResourceResponse{}
	r.invoke(handler, s, req, out)
	if out.Code == codes.Empty {
		out.Code = codes.Content
	}
	if err := s.sendResponse(req, out.Code, respType, out.Payload, out.ContentFormat, observeSeq); err != nil {
		s.logger.Warn("response send failed", "path", r.path, "error", err)
	}
	s.ctx.metrics.RequestsTotal.WithLabelValues(req.Code().String(), out.Code.String()).Inc()
	return DispositionOK
}

func (r *Resource) invoke(h MethodHandler, s *Session, req *Request, out *ResourceResponse) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("resource handler panicked", "path", r.path, "panic", p)
			out.Code = codes.InternalServerError
			out.Payload = nil
		}
	}()
	h(s, req, out)
}

func (r *Resource) register(s *Session, req *Request) uint32 {
	req.MakePersistent()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers[observerKey(s, req.Token())] = &resourceObserver{
		session: s,
		token:   append(message.Token(nil), req.Token()...),
		typ:     message.NonConfirmable,
	}
	return r.seq
}

func (r *Resource) deregister(s *Session, token message.Token) {
	r.mu.Lock()
	delete(r.observers, observerKey(s, token))
	r.mu.Unlock()
}

// dropSession removes all observers registered through s, used when a
// peer session is released.
func (r *Resource) dropSession(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, obs := range r.observers {
		if obs.session == s {
			delete(r.observers, key)
		}
	}
}

// Notify sends a notification with payload to every registered observer.
// Observers whose session fails to send are dropped.
func (r *Resource) Notify(payload []byte, cf *message.MediaType) {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	observers := make([]*resourceObserver, 0, len(r.observers))
	keys := make([]string, 0, len(r.observers))
	for key, obs := range r.observers {
		observers = append(observers, obs)
		keys = append(keys, key)
	}
	r.mu.Unlock()

	for i, obs := range observers {
		fake := &Request{PDU: PDU{session: obs.session, token: obs.token}}
		if err := obs.session.sendResponse(fake, codes.Content, obs.typ, payload, cf, &seq); err != nil {
			obs.session.logger.Warn("notify failed, dropping observer", "path", r.path, "error", err)
			r.mu.Lock()
			delete(r.observers, keys[i])
			r.mu.Unlock()
			continue
		}
		obs.session.ctx.metrics.NotificationsTotal.Inc()
	}
}

// linkFormat renders an RFC 6690 application/link-format listing.
func linkFormat(resources []*Resource) string {
	sorted := make([]*Resource, len(resources))
	copy(sorted, resources)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].path < sorted[j].path })

	var b strings.Builder
	first := true
	for _, r := range sorted {
		if r.unknown {
			continue
		}
		if !first {
			b.WriteString(",")
		}
		first = false
		fmt.Fprintf(&b, "</%s>", r.path)
		if r.title != "" {
			fmt.Fprintf(&b, ";title=%q", r.title)
		}
		if r.observable {
			b.WriteString(";obs")
		}
	}
	return b.String()
}
