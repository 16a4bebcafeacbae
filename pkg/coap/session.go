// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/coapmux/coapmux/pkg/breaker"
	"github.com/coapmux/coapmux/pkg/codec"
	coaperr "github.com/coapmux/coapmux/pkg/errors"
	"github.com/coapmux/coapmux/pkg/eventloop"
)

const (
	// DefaultPort is the coap:// UDP port.
	DefaultPort = 5683
	// DefaultSecurePort is the coaps:// DTLS port.
	DefaultSecurePort = 5684
)

// endpoint is a parsed session URI.
type endpoint struct {
	scheme string
	host   string
	port   int
	path   string
	query  string
}

func parseEndpoint(rawURI string) (endpoint, error) {
	// coap+unix URIs carry the percent-encoded socket path in the
	// authority, e.g. coap+unix://%2Ftmp%2Fcoapd.sock/resource, which
	// url.Parse rejects as a host component. Split those by hand.
	if strings.HasPrefix(rawURI, "coap+unix://") {
		return parseUnixEndpoint(rawURI)
	}

	u, err := url.Parse(rawURI)
	if err != nil {
		return endpoint{}, &coaperr.AddressError{URI: rawURI, Err: err}
	}

	ep := endpoint{scheme: u.Scheme, path: strings.TrimPrefix(u.Path, "/"), query: u.RawQuery}
	switch u.Scheme {
	case "coap", "coaps":
		ep.host = u.Hostname()
		ep.port = DefaultPort
		if u.Scheme == "coaps" {
			ep.port = DefaultSecurePort
		}
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return endpoint{}, &coaperr.AddressError{URI: rawURI, Err: err}
			}
			ep.port = port
		}
		if ep.host == "" {
			return endpoint{}, &coaperr.AddressError{URI: rawURI, Err: fmt.Errorf("missing host")}
		}
	default:
		return endpoint{}, &coaperr.AddressError{URI: rawURI, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	return ep, nil
}

func parseUnixEndpoint(rawURI string) (endpoint, error) {
	rest := strings.TrimPrefix(rawURI, "coap+unix://")
	var query string
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest, query = rest[:i], rest[i+1:]
	}
	authority := rest
	var path string
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		authority, path = rest[:i], rest[i+1:]
	}
	sock, err := url.PathUnescape(authority)
	if err != nil {
		return endpoint{}, &coaperr.AddressError{URI: rawURI, Err: err}
	}
	if sock == "" {
		return endpoint{}, &coaperr.AddressError{URI: rawURI, Err: fmt.Errorf("missing socket path")}
	}
	return endpoint{scheme: "coap+unix", host: sock, path: path, query: query}, nil
}

// PSKConfig holds pre-shared-key credentials for coaps:// sessions.
type PSKConfig struct {
	Identity string
	Key      []byte
}

// SessionOption configures a client session at creation time.
type SessionOption func(*Session)

// WithPSK enables DTLS with pre-shared-key credentials. The handshake
// runs eagerly during session creation.
func WithPSK(identity string, key []byte) SessionOption {
	return func(s *Session) {
		s.psk = &PSKConfig{Identity: identity, Key: append([]byte(nil), key...)}
	}
}

// WithSNI sets the server name sent during the DTLS handshake.
func WithSNI(name string) SessionOption {
	return func(s *Session) { s.sni = name }
}

// WithPKI enables certificate-based DTLS.
func WithPKI(cert tls.Certificate) SessionOption {
	return func(s *Session) { s.cert = &cert }
}

// WithBreaker attaches a circuit breaker fed by exchange outcomes.
func WithBreaker(cfg breaker.Config) SessionOption {
	return func(s *Session) { s.breaker = breaker.New(cfg) }
}

// WithIdentityHintValidator installs a check on the PSK identity hint the
// server presents during the DTLS handshake. Returning an error aborts
// the handshake.
func WithIdentityHintValidator(validate func(hint []byte) error) SessionOption {
	return func(s *Session) { s.validateHint = validate }
}

// Session is one peer relationship: a client session created from a URI,
// or a server-side session created implicitly for an inbound peer. All
// I/O runs on the owning context's event loop.
type Session struct {
	ID uuid.UUID

	ctx    *Context
	logger *slog.Logger
	ep     endpoint

	isServer bool
	peerKey  string

	psk          *PSKConfig
	sni          string
	cert         *tls.Certificate
	validateHint func(hint []byte) error
	breaker      *breaker.Breaker

	mu           sync.Mutex
	tr           transport
	connected    bool
	released     bool
	handlers     map[uint64]*TokenHandler
	pending      map[int32]*pendingCON
	mids         *codec.MIDSource
	lastActivity time.Time
	readBuf      []byte
}

func newSession(ctx *Context, ep endpoint) *Session {
	return &Session{
		ID:           uuid.New(),
		ctx:          ctx,
		logger:       ctx.logger.With("session", ep.host),
		ep:           ep,
		handlers:     make(map[uint64]*TokenHandler),
		pending:      make(map[int32]*pendingCON),
		mids:         codec.NewMIDSource(),
		lastActivity: time.Now(),
		readBuf:      make([]byte, codec.MaxMessageSize),
	}
}

// URI returns the session's endpoint in URI form.
func (s *Session) URI() string {
	switch s.ep.scheme {
	case "coap+unix":
		return fmt.Sprintf("coap+unix://%s", url.PathEscape(s.ep.host))
	default:
		return fmt.Sprintf("%s://%s", s.ep.scheme, net.JoinHostPort(s.ep.host, strconv.Itoa(s.ep.port)))
	}
}

// IsServer reports whether this session was created for an inbound peer.
func (s *Session) IsServer() bool { return s.isServer }

// LastActivity returns the time of the last send or receive.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LocalAddr returns the transport's local address, when connected.
func (s *Session) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr == nil {
		return nil
	}
	return s.tr.localAddr()
}

// RemoteAddr returns the transport's peer address, when connected.
func (s *Session) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr == nil {
		return nil
	}
	return s.tr.remoteAddr()
}

// InterfaceName resolves the name of the network interface carrying this
// session's local address. It tries an exact address match first, then a
// subnet match, then gives up with an empty name.
func (s *Session) InterfaceName() string {
	local := s.LocalAddr()
	udp, ok := local.(*net.UDPAddr)
	if !ok || udp == nil {
		return ""
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	subnetMatch := ""
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ipnet.IP.Equal(udp.IP) {
				return iface.Name
			}
			if subnetMatch == "" && ipnet.Contains(udp.IP) {
				subnetMatch = iface.Name
			}
		}
	}
	return subnetMatch
}

// connect establishes the transport lazily on first send.
func (s *Session) connect() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return coaperr.ErrSessionReleased
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var (
		tr  transport
		err error
	)
	switch s.ep.scheme {
	case "coap":
		var raddr *net.UDPAddr
		raddr, err = net.ResolveUDPAddr("udp", net.JoinHostPort(s.ep.host, strconv.Itoa(s.ep.port)))
		if err == nil {
			tr, err = dialUDP(raddr)
		}
	case "coap+unix":
		tr, err = dialUnixgram(s.ep.host, s.ctx.registry.NextUnixSocketPath())
	case "coaps":
		tr, err = s.dialDTLS()
	default:
		err = fmt.Errorf("unsupported scheme %q", s.ep.scheme)
	}
	if err != nil {
		return coaperr.Engine("connect", err)
	}

	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		tr.close()
		return coaperr.ErrSessionReleased
	}
	s.tr = tr
	s.connected = true
	s.mu.Unlock()

	if fd := tr.fd(); fd >= 0 {
		cb := func(int, eventloop.Event) { s.onReadable() }
		if err := s.ctx.loop.Register(fd, eventloop.EventRead, cb); err != nil {
			return coaperr.Engine("register", err)
		}
	}
	s.ctx.emitEvent(EventConnected, s)
	s.ctx.metrics.SessionsTotal.WithLabelValues(s.role(), s.ep.scheme).Inc()
	s.ctx.metrics.SessionsActive.WithLabelValues(s.role(), s.ep.scheme).Inc()
	return nil
}

func (s *Session) role() string {
	if s.isServer {
		return "server"
	}
	return "client"
}

// onReadable drains the session socket and routes every decoded message.
func (s *Session) onReadable() {
	for {
		s.mu.Lock()
		tr := s.tr
		s.mu.Unlock()
		if tr == nil {
			return
		}
		n, err := tr.recv(s.readBuf)
		if err != nil {
			if err != errWouldBlock {
				s.logger.Warn("session recv failed", "error", err)
			}
			return
		}
		s.handleDatagram(s.readBuf[:n])
	}
}

// handleDatagram decodes one datagram and hands it to the context router.
// Used both by the session's own socket callback and by transports that
// deliver data out of band (server listener, DTLS reader).
func (s *Session) handleDatagram(data []byte) {
	s.touch()
	msg, err := codec.Decode(s.ctx.baseCtx, data)
	if err != nil {
		s.logger.Warn("dropping undecodable datagram", "error", err, "bytes", len(data))
		return
	}
	s.ctx.metrics.MessagesTotal.WithLabelValues("in", msg.Type().String()).Inc()
	s.ctx.route(s, msg)
	codec.ReleaseMessage(msg)
}

// sendRaw writes an encoded datagram to the peer.
func (s *Session) sendRaw(data []byte, typ message.Type) error {
	s.mu.Lock()
	tr := s.tr
	s.mu.Unlock()
	if tr == nil {
		return coaperr.ErrSessionReleased
	}
	if err := tr.send(data); err != nil {
		return coaperr.Engine("send", err)
	}
	s.touch()
	s.ctx.metrics.MessagesTotal.WithLabelValues("out", typ.String()).Inc()
	return nil
}

// SendMessage builds and transmits one request and registers its token
// handler. The handler correlates the eventual response; confirmable
// requests additionally enter the retransmission queue until acked.
func (s *Session) SendMessage(so SendOptions) (*TokenHandler, error) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil, coaperr.ErrSessionReleased
	}
	s.mu.Unlock()

	if s.breaker != nil && !s.breaker.Allow() {
		return nil, coaperr.ErrCircuitOpen
	}
	if err := s.connect(); err != nil {
		return nil, err
	}

	typ := so.Type
	code := so.Code
	if code == 0 {
		code = codes.GET
	}

	msg := codec.NewMessage(s.ctx.baseCtx)
	msg.SetType(typ)
	msg.SetCode(code)
	mid := s.mids.Next()
	msg.SetMessageID(mid)

	token, err := codec.NewToken()
	if err != nil {
		codec.ReleaseMessage(msg)
		return nil, coaperr.Engine("token", err)
	}
	msg.SetToken(token)

	if so.Observe {
		msg.SetObserve(0)
	}
	path := so.Path
	if path == "" {
		path = s.ep.path
	}
	if path != "" {
		if err := msg.SetPath("/" + strings.TrimPrefix(path, "/")); err != nil {
			codec.ReleaseMessage(msg)
			return nil, coaperr.Engine("path", err)
		}
	}
	query := so.Query
	if query == "" && so.Path == "" {
		query = s.ep.query
	}
	if query != "" {
		for _, q := range strings.Split(query, "&") {
			msg.AddQuery(q)
		}
	}

	req := &Request{PDU: wrapPDU(s, msg)}
	if len(so.Payload) > 0 {
		if err := req.SetPayload(so.Payload); err != nil {
			codec.ReleaseMessage(msg)
			return nil, err
		}
	}

	data, err := codec.Encode(msg)
	if err != nil {
		codec.ReleaseMessage(msg)
		return nil, coaperr.Engine("encode", err)
	}
	wire := append([]byte(nil), data...)

	th := &TokenHandler{
		session:   s,
		key:       codec.TokenKey(token),
		txPDU:     req,
		observing: so.Observe,
		saveRx:    so.SaveResponse,
		onSync:    so.OnResponse,
		onAsync:   so.OnResponseAsync,
		data:      so.CallbackData,
	}
	s.mu.Lock()
	s.handlers[th.key] = th
	s.mu.Unlock()

	if err := s.sendRaw(wire, typ); err != nil {
		s.mu.Lock()
		delete(s.handlers, th.key)
		s.mu.Unlock()
		s.ctx.release(req)
		return nil, err
	}
	if so.Observe {
		s.ctx.metrics.ObservationsActive.Inc()
	}
	if typ == message.Confirmable {
		s.trackCON(mid, wire, req)
	} else {
		// No retransmission; the payload retention can go right away
		// for non-observing fire-and-forget sends.
		req.MakePersistent()
		s.ctx.release(req)
	}
	s.ctx.metrics.RequestsTotal.WithLabelValues(code.String(), "sent").Inc()
	return th, nil
}

// Request sends a request and drives the event loop until the response
// arrives or timeout elapses. ioTimeout bounds each poll cycle; zero
// means a 100ms default.
func (s *Session) Request(so SendOptions, timeout time.Duration) (*Response, error) {
	so.SaveResponse = true
	th, err := s.SendMessage(so)
	if err != nil {
		return nil, err
	}
	if err := s.ctx.Loop(timeout, 0, []*TokenHandler{th}); err != nil {
		s.dropHandler(th)
		s.recordOutcome(false)
		return nil, err
	}
	resp := th.Response()
	if resp == nil {
		s.dropHandler(th)
		s.recordOutcome(false)
		return nil, coaperr.ErrTimeout
	}
	s.recordOutcome(!resp.IsError())
	return resp, nil
}

func (s *Session) recordOutcome(ok bool) {
	if s.breaker == nil {
		return
	}
	if ok {
		s.breaker.RecordSuccess()
	} else {
		s.breaker.RecordFailure()
	}
}

// Query sends a request and returns an Observer over its responses. With
// so.Observe set, the observer keeps yielding notifications until it is
// stopped or the peer ends the subscription; otherwise it yields the
// single response and finishes.
func (s *Session) Query(so SendOptions) (*Observer, error) {
	obs := newObserver(nil, so.Observe)
	so.OnResponseAsync = func(_ *Session, _ *Request, resp *Response, _ int32, _ any) {
		obs.AddResponse(resp)
		if _, observing := resp.Observe(); !observing || resp.IsError() {
			obs.endStream()
		}
	}
	th, err := s.SendMessage(so)
	if err != nil {
		return nil, err
	}
	obs.request = th.txPDU
	return obs, nil
}

// Observe subscribes to path and returns an Observer over notifications.
func (s *Session) Observe(path string) (*Observer, error) {
	return s.Query(SendOptions{Path: path, Observe: true})
}

// Fetch performs a one-shot GET and returns the response payload.
func (s *Session) Fetch(path string, timeout time.Duration) ([]byte, error) {
	resp, err := s.Request(SendOptions{Path: path}, timeout)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, coaperr.Engine("fetch", fmt.Errorf("%v", resp.Code()))
	}
	return resp.Payload(), nil
}

func (s *Session) lookupHandler(key uint64) *TokenHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[key]
}

func (s *Session) dropHandler(th *TokenHandler) {
	s.mu.Lock()
	delete(s.handlers, th.key)
	s.mu.Unlock()
}

// responseHandler delivers a correlated response to its token handler.
// Runs on the I/O goroutine; asynchronous callbacks are made persistent
// and deferred to the event loop instead of running inline.
func (s *Session) responseHandler(th *TokenHandler, resp *Response) Disposition {
	th.mu.Lock()
	resp.requestPDU = th.txPDU
	th.ready = true

	observing := th.observing
	if observing {
		if _, ok := resp.Observe(); !ok || resp.IsError() {
			th.observing = false
			observing = false
		}
	}
	if th.saveRx {
		resp.MakePersistent()
		th.response = resp
	}
	onSync := th.onSync
	onAsync := th.onAsync
	data := th.data
	th.mu.Unlock()

	if !observing {
		s.dropHandler(th)
	} else {
		s.ctx.metrics.NotificationsTotal.Inc()
	}

	switch {
	case onAsync != nil:
		resp.MakePersistent()
		th.txPDU.MakePersistent()
		mid := resp.MessageID()
		s.ctx.loop.Submit(func() {
			onAsync(s, th.txPDU, resp, mid, data)
		})
		return DispositionOK
	case onSync != nil:
		return s.invokeSync(onSync, th, resp, data)
	default:
		return DispositionOK
	}
}

func (s *Session) invokeSync(cb ResponseCallback, th *TokenHandler, resp *Response, data any) (d Disposition) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("response callback panicked", "panic", r, "token", fmt.Sprintf("%x", th.Token()))
			d = DispositionOK
		}
	}()
	return cb(s, th.txPDU, resp, resp.MessageID(), data)
}

// cancelObservation sends an Observe deregistration reusing the
// request's token and clears the pending handler.
func (s *Session) cancelObservation(r *Request) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return coaperr.ErrSessionReleased
	}
	key := codec.TokenKey(r.Token())
	th := s.handlers[key]
	delete(s.handlers, key)
	s.mu.Unlock()

	if th != nil {
		th.clearObserving()
	}
	s.ctx.metrics.ObservationsActive.Dec()

	msg := codec.NewMessage(s.ctx.baseCtx)
	defer codec.ReleaseMessage(msg)
	msg.SetType(r.Type())
	msg.SetCode(codes.GET)
	msg.SetMessageID(s.mids.Next())
	msg.SetToken(r.Token())
	msg.SetObserve(1)
	if path := r.Path(); path != "" {
		if err := msg.SetPath(path); err != nil {
			return coaperr.Engine("path", err)
		}
	}
	data, err := codec.Encode(msg)
	if err != nil {
		return coaperr.Engine("encode", err)
	}
	return s.sendRaw(append([]byte(nil), data...), r.Type())
}

// sendResponse transmits a server-side response for an inbound request.
func (s *Session) sendResponse(req *Request, code codes.Code, typ message.Type, payload []byte, cf *message.MediaType, observeSeq *uint32) error {
	msg := codec.NewMessage(s.ctx.baseCtx)
	defer codec.ReleaseMessage(msg)
	msg.SetType(typ)
	msg.SetCode(code)
	msg.SetToken(req.Token())
	if typ == message.Acknowledgement {
		msg.SetMessageID(req.MessageID())
	} else {
		msg.SetMessageID(s.mids.Next())
	}
	if observeSeq != nil {
		msg.SetObserve(*observeSeq)
	}
	if cf != nil {
		msg.SetContentFormat(*cf)
	}
	if len(payload) > 0 {
		msg.SetBody(bytes.NewReader(payload))
	}
	data, err := codec.Encode(msg)
	if err != nil {
		return coaperr.Engine("encode", err)
	}
	return s.sendRaw(append([]byte(nil), data...), typ)
}

// sendEmpty transmits an empty ACK or RST for mid.
func (s *Session) sendEmpty(typ message.Type, mid int32) error {
	msg := codec.NewMessage(s.ctx.baseCtx)
	defer codec.ReleaseMessage(msg)
	msg.SetType(typ)
	msg.SetCode(codes.Empty)
	msg.SetMessageID(mid)
	data, err := codec.Encode(msg)
	if err != nil {
		return coaperr.Engine("encode", err)
	}
	return s.sendRaw(append([]byte(nil), data...), typ)
}

// Release tears the session down: pending exchanges fail, the socket is
// deregistered and closed, and the session leaves the context tables.
func (s *Session) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	tr := s.tr
	s.tr = nil
	s.connected = false
	handlers := make([]*TokenHandler, 0, len(s.handlers))
	for _, th := range s.handlers {
		handlers = append(handlers, th)
	}
	s.handlers = make(map[uint64]*TokenHandler)
	pending := s.pending
	s.pending = make(map[int32]*pendingCON)
	s.mu.Unlock()

	for _, th := range handlers {
		th.mu.Lock()
		th.ready = true
		th.observing = false
		th.mu.Unlock()
	}
	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		s.ctx.release(p.req)
	}

	if tr != nil {
		if fd := tr.fd(); fd >= 0 {
			s.ctx.loop.Deregister(fd)
		}
		tr.close()
		s.ctx.metrics.SessionsActive.WithLabelValues(s.role(), s.ep.scheme).Dec()
	}
	s.ctx.removeSession(s)
	s.ctx.emitEvent(EventClosed, s)
}

// pendingCON is one confirmable message awaiting acknowledgement.
type pendingCON struct {
	data     []byte
	mid      int32
	attempts int
	timeout  time.Duration
	timer    *eventloop.Timer
	req      *Request
}

// initialAckTimeout spreads retransmission deadlines over the
// [AckTimeout, AckTimeout*AckRandomFactor) interval.
func initialAckTimeout() time.Duration {
	spread := float64(codec.AckTimeout) * (codec.AckRandomFactor - 1)
	return codec.AckTimeout + time.Duration(rand.Int63n(int64(spread)))
}

func (s *Session) trackCON(mid int32, data []byte, req *Request) {
	p := &pendingCON{data: data, mid: mid, timeout: initialAckTimeout(), req: req}
	// The timer is armed before the entry becomes visible so concurrent
	// readers never see a half-built entry.
	s.mu.Lock()
	p.timer = s.ctx.loop.After(p.timeout, func() { s.retransmit(mid) })
	s.pending[mid] = p
	s.mu.Unlock()
}

// retransmit resends a still-unacked confirmable message with doubled
// timeout, giving up after MaxRetransmit attempts.
func (s *Session) retransmit(mid int32) {
	s.mu.Lock()
	p, ok := s.pending[mid]
	if !ok {
		s.mu.Unlock()
		return
	}
	p.attempts++
	if p.attempts > codec.MaxRetransmit {
		delete(s.pending, mid)
		s.mu.Unlock()
		s.giveUp(p)
		return
	}
	p.timeout *= 2
	data := p.data
	attempt := p.attempts
	p.timer = s.ctx.loop.After(p.timeout, func() { s.retransmit(mid) })
	s.mu.Unlock()

	s.logger.Debug("retransmitting", "mid", mid, "attempt", attempt)
	s.ctx.metrics.Retransmits.Inc()
	if err := s.sendRaw(data, message.Confirmable); err != nil {
		s.logger.Warn("retransmit failed", "mid", mid, "error", err)
	}
}

// giveUp abandons an exhausted confirmable exchange: the handler is
// failed so waiters unblock, the payload retention is released, and the
// nack callback fires.
func (s *Session) giveUp(p *pendingCON) {
	s.ctx.metrics.Timeouts.Inc()
	if p.req != nil {
		if th := s.lookupHandler(codec.TokenKey(p.req.Token())); th != nil {
			s.dropHandler(th)
			th.mu.Lock()
			th.ready = true
			th.observing = false
			th.mu.Unlock()
		}
		s.ctx.release(p.req)
	}
	s.recordOutcome(false)
	s.ctx.nack(s, p.req, NackTooManyRetries)
}

// ackPending completes the retransmission entry for mid, if any, and
// reports whether one existed.
func (s *Session) ackPending(mid int32) bool {
	s.mu.Lock()
	p, ok := s.pending[mid]
	if ok {
		delete(s.pending, mid)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.req != nil {
		p.req.MakePersistent()
		s.ctx.release(p.req)
	}
	return true
}
