// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"sync"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"

	"github.com/coapmux/coapmux/pkg/codec"
	coaperr "github.com/coapmux/coapmux/pkg/errors"
)

// PDU wraps one protocol message. The underlying pooled message is only
// valid for the duration of the callback that delivered it; accessors
// cache what they read, and MakePersistent captures everything so the
// wrapper can be retained indefinitely.
type PDU struct {
	session *Session

	mu            sync.Mutex
	msg           *pool.Message
	token         message.Token
	mid           int32
	typ           message.Type
	code          codes.Code
	persistent    bool
	payload       []byte
	payloadLoaded bool
	rawOpts       message.Options
	optsLoaded    bool
}

func wrapPDU(s *Session, msg *pool.Message) PDU {
	return PDU{
		session: s,
		msg:     msg,
		token:   append(message.Token(nil), msg.Token()...),
		mid:     msg.MessageID(),
		typ:     msg.Type(),
		code:    msg.Code(),
	}
}

// Session returns the owning session, used for building follow-up
// requests. It never controls the PDU's lifetime.
func (p *PDU) Session() *Session { return p.session }

// Token returns the PDU's token bytes.
func (p *PDU) Token() message.Token { return p.token }

// TokenKey returns the token interpreted as an unsigned integer, the key
// used by the session's token-handler table.
func (p *PDU) TokenKey() uint64 { return codec.TokenKey(p.token) }

// Type returns the message type (CON, NON, ACK, RST).
func (p *PDU) Type() message.Type { return p.typ }

// Code returns the request method or response code.
func (p *PDU) Code() codes.Code { return p.code }

// MessageID returns the message ID.
func (p *PDU) MessageID() int32 { return p.mid }

// Payload returns the message body, materializing and caching it on first
// access. After the underlying message is reclaimed, only a previously
// materialized or persistent payload is returned; otherwise nil.
func (p *PDU) Payload() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payloadLocked()
}

func (p *PDU) payloadLocked() []byte {
	if p.payloadLoaded {
		return p.payload
	}
	if p.msg == nil {
		return nil
	}
	body, err := p.msg.ReadBody()
	if err != nil {
		return nil
	}
	p.payload = body
	p.payloadLoaded = true
	return p.payload
}

func (p *PDU) rawOptionsLocked() message.Options {
	if p.optsLoaded {
		return p.rawOpts
	}
	if p.msg == nil {
		return nil
	}
	p.rawOpts = codec.CopyOptions(p.msg.Options())
	p.optsLoaded = true
	return p.rawOpts
}

// Options decodes the PDU's option list. With lookupNames, integer-valued
// well-known options are mapped to their registered names.
func (p *PDU) Options(lookupNames bool) []codec.Option {
	p.mu.Lock()
	defer p.mu.Unlock()
	return codec.DecodeRaw(p.rawOptionsLocked(), lookupNames)
}

// OptionsByName groups repeated options under their hyphenated
// lower-case names.
func (p *PDU) OptionsByName() map[string][]any {
	return codec.GroupOptions(p.Options(true))
}

// Observe returns the Observe option value, if present.
func (p *PDU) Observe() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, opt := range p.rawOptionsLocked() {
		if opt.ID == message.Observe {
			var v uint32
			for _, b := range opt.Value {
				v = v<<8 | uint32(b)
			}
			return v, true
		}
	}
	return 0, false
}

// Path returns the decoded Uri-Path, when present.
func (p *PDU) Path() string {
	var path string
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, opt := range p.rawOptionsLocked() {
		if opt.ID == message.URIPath {
			path += "/" + string(opt.Value)
		}
	}
	return path
}

// MakePersistent captures a private copy of the payload, type, code, and
// option list, decoupling the wrapper from the pooled message. Idempotent.
func (p *PDU) MakePersistent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.persistent {
		return
	}
	p.payloadLocked()
	p.rawOptionsLocked()
	p.payloadLoaded = true
	p.optsLoaded = true
	p.persistent = true
}

// Persistent reports whether MakePersistent has run.
func (p *PDU) Persistent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persistent
}

// detach severs the wrapper from the pooled message, which the engine is
// about to reclaim.
func (p *PDU) detach() {
	p.mu.Lock()
	p.msg = nil
	p.mu.Unlock()
}

// Request is a PDU created by this engine for transmission.
type Request struct {
	PDU
}

// NewToken attaches a fresh engine-chosen token.
func (r *Request) NewToken() error {
	token, err := codec.NewToken()
	if err != nil {
		return coaperr.Engine("token", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = token
	if r.msg != nil {
		r.msg.SetToken(token)
	}
	return nil
}

// SetPayload attaches a private copy of payload to the request. The copy
// is registered in the owning context's retention list so it stays
// reachable while the transport may still retransmit it; the transmit
// completion path releases it.
func (r *Request) SetPayload(payload []byte) error {
	r.mu.Lock()
	if r.msg == nil {
		r.mu.Unlock()
		return coaperr.ErrNilHandle
	}
	buf := append([]byte(nil), payload...)
	r.payload = buf
	r.payloadLoaded = true
	r.msg.SetBody(bytes.NewReader(buf))
	s := r.session
	r.mu.Unlock()

	if s != nil && s.ctx != nil {
		s.ctx.retain(r)
	}
	return nil
}

// SetPayloadText attaches a UTF-8 payload.
func (r *Request) SetPayloadText(payload string) error {
	return r.SetPayload([]byte(payload))
}

// CancelObservation deregisters the subscription this request
// established, using the request's token and cached type, and clears the
// observing flag on the session's live token handler if still present.
func (r *Request) CancelObservation() error {
	if r.session == nil {
		return coaperr.ErrNilHandle
	}
	return r.session.cancelObservation(r)
}

// Response is a PDU delivered by a peer.
type Response struct {
	PDU
	requestPDU *Request
}

// RequestPDU returns the transmit PDU this response answers, when known.
func (r *Response) RequestPDU() *Request { return r.requestPDU }

// IsError reports whether the response code is outside the 2.xx success
// class. The Empty code (0.00) classifies as an error.
func (r *Response) IsError() bool {
	return !codec.IsSuccess(r.code)
}

// clone produces an independent wrapper sharing this response's captured
// state, used by the observer multiplier fan-out.
func (r *Response) clone() *Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	dup := &Response{requestPDU: r.requestPDU}
	dup.session = r.session
	dup.msg = r.msg
	dup.token = r.token
	dup.mid = r.mid
	dup.typ = r.typ
	dup.code = r.code
	dup.persistent = r.persistent
	dup.payload = r.payload
	dup.payloadLoaded = r.payloadLoaded
	dup.rawOpts = r.rawOpts
	dup.optsLoaded = r.optsLoaded
	return dup
}
