// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"sync"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Disposition tells the I/O layer how a dispatched message was handled.
type Disposition int

const (
	// DispositionOK means the message was consumed; no wire action.
	DispositionOK Disposition = iota
	// DispositionFail makes the engine reject the message with a Reset.
	DispositionFail
)

// ResponseCallback runs inline on the I/O goroutine when a correlated
// response arrives. It must not block; its return value becomes the
// message disposition.
type ResponseCallback func(s *Session, req *Request, resp *Response, mid int32, data any) Disposition

// AsyncResponseCallback is scheduled onto the event loop instead of
// running inline. Both PDUs are made persistent before scheduling since
// they outlive the delivering I/O cycle.
type AsyncResponseCallback func(s *Session, req *Request, resp *Response, mid int32, data any)

// SendOptions parameterizes SendMessage. The zero value sends a
// confirmable GET for the session URI with no payload.
type SendOptions struct {
	// Path overrides the session URI. When set, only the Uri-Path option
	// is encoded; the session URI's host, port, and query are bypassed.
	Path string

	// Payload is attached as the message body when non-empty.
	Payload []byte

	// Type is the message reliability class; defaults to Confirmable.
	Type message.Type

	// Code is the method; defaults to GET.
	Code codes.Code

	// Observe requests an Observe subscription (GET only).
	Observe bool

	// Query adds a Uri-Query option.
	Query string

	// SaveResponse makes the correlated response persistent and stores
	// it on the token handler for polling callers.
	SaveResponse bool

	// OnResponse runs inline in the I/O path. Mutually exclusive with
	// OnResponseAsync; registration decides the dispatch kind once.
	OnResponse ResponseCallback

	// OnResponseAsync is scheduled on the event loop.
	OnResponseAsync AsyncResponseCallback

	// CallbackData is passed through to either callback.
	CallbackData any
}

// TokenHandler is the pending-exchange record keyed by token. It exists
// from the moment a request is sent until a non-observing exchange
// completes or the observation is cancelled.
type TokenHandler struct {
	session *Session
	key     uint64

	mu        sync.Mutex
	txPDU     *Request
	observing bool
	saveRx    bool
	ready     bool
	response  *Response
	onSync    ResponseCallback
	onAsync   AsyncResponseCallback
	data      any
}

// Token returns the token this handler is keyed by.
func (th *TokenHandler) Token() message.Token {
	return th.txPDU.Token()
}

// Request returns the pending transmit PDU.
func (th *TokenHandler) Request() *Request {
	return th.txPDU
}

// Ready reports whether a response has arrived. Polled by the
// synchronous drain loop's wait list.
func (th *TokenHandler) Ready() bool {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.ready
}

// Response returns the stored response when SaveResponse was requested
// and a response has arrived.
func (th *TokenHandler) Response() *Response {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.response
}

// Observing reports whether this handler belongs to a live Observe
// subscription.
func (th *TokenHandler) Observing() bool {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.observing
}

func (th *TokenHandler) clearObserving() {
	th.mu.Lock()
	th.observing = false
	th.mu.Unlock()
}
