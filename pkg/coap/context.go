// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"golang.org/x/sys/unix"

	"github.com/coapmux/coapmux/pkg/codec"
	coaperr "github.com/coapmux/coapmux/pkg/errors"
	"github.com/coapmux/coapmux/pkg/eventloop"
	"github.com/coapmux/coapmux/pkg/metrics"
	"github.com/coapmux/coapmux/pkg/ratelimit"
)

// SessionEvent describes a session lifecycle transition reported through
// the context's event callback.
type SessionEvent int

const (
	// EventConnected fires when a session's transport comes up, for
	// clients after connect and for servers when a new peer appears.
	EventConnected SessionEvent = iota
	// EventClosed fires when a session is released.
	EventClosed
)

func (e SessionEvent) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NackReason explains a delivery failure reported through the nack
// callback.
type NackReason int

const (
	// NackTooManyRetries means a confirmable message exhausted its
	// retransmissions without an acknowledgement.
	NackTooManyRetries NackReason = iota
	// NackRST means the peer rejected a message with a Reset.
	NackRST
	// NackTLSFailed means the DTLS handshake failed.
	NackTLSFailed
)

func (r NackReason) String() string {
	switch r {
	case NackTooManyRetries:
		return "too_many_retries"
	case NackRST:
		return "rst"
	case NackTLSFailed:
		return "tls_failed"
	default:
		return "unknown"
	}
}

// EventCallback observes session lifecycle events.
type EventCallback func(event SessionEvent, s *Session)

// NackCallback observes delivery failures. req is nil when the failure
// is not tied to one message.
type NackCallback func(s *Session, req *Request, reason NackReason)

// The default metric set registers on the global Prometheus registry,
// which tolerates exactly one registration; contexts share it unless
// WithMetrics supplies another.
var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *metrics.Metrics
)

func defaultMetricsSet() *metrics.Metrics {
	defaultMetricsOnce.Do(func() { defaultMetrics = metrics.New("") })
	return defaultMetrics
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ContextOption {
	return func(c *Context) { c.logger = logger }
}

// WithRegistry overrides DefaultRegistry.
func WithRegistry(r *Registry) ContextOption {
	return func(c *Context) { c.registry = r }
}

// WithMetrics overrides the default metrics set, letting embedders share
// one registration across contexts.
func WithMetrics(m *metrics.Metrics) ContextOption {
	return func(c *Context) { c.metrics = m }
}

// WithRateLimit bounds inbound requests per peer per second. Zero
// disables limiting.
func WithRateLimit(perSecond int) ContextOption {
	return func(c *Context) {
		if perSecond > 0 {
			c.limiter = ratelimit.NewLimiter(int64(perSecond), int64(perSecond), 0)
		}
	}
}

// WithSessionTimeout releases idle server-side sessions after d.
func WithSessionTimeout(d time.Duration) ContextOption {
	return func(c *Context) { c.sessionTimeout = d }
}

// Context owns the event loop, the session tables, and the server-side
// resource tree. All protocol processing runs on the loop, driven either
// by the caller through Loop and IOProcess or by Run on a dedicated
// goroutine.
type Context struct {
	logger   *slog.Logger
	registry *Registry
	loop     *eventloop.Loop
	metrics  *metrics.Metrics
	limiter  *ratelimit.Limiter

	baseCtx context.Context
	cancel  context.CancelFunc

	// EventCallback and NackCallback are optional and must be set before
	// I/O starts.
	EventCallback EventCallback
	NackCallback  NackCallback

	sessionTimeout time.Duration

	mu        sync.Mutex
	sessions  map[*Session]struct{}
	byPeer    map[string]*Session
	resources map[string]*Resource
	unknown   *Resource
	retained  map[*Request]struct{}
	stopLoop  bool
	closed    bool

	listenSock  int
	listenAddr  *net.UDPAddr
	listenBuf   []byte
	sweepActive bool
}

// NewContext creates a context with its own event loop and registers it
// with the registry.
func NewContext(opts ...ContextOption) (*Context, error) {
	c := &Context{
		logger:     slog.Default(),
		registry:   DefaultRegistry,
		sessions:   make(map[*Session]struct{}),
		byPeer:     make(map[string]*Session),
		resources:  make(map[string]*Resource),
		retained:   make(map[*Request]struct{}),
		listenSock: -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = defaultMetricsSet()
	}
	c.baseCtx, c.cancel = context.WithCancel(context.Background())
	loop, err := eventloop.New(c.logger)
	if err != nil {
		c.cancel()
		return nil, coaperr.Engine("eventloop", err)
	}
	c.loop = loop
	if err := c.registry.register(c); err != nil {
		c.loop.Close()
		c.cancel()
		return nil, err
	}
	return c, nil
}

// EventLoop exposes the context's loop for timer scheduling and manual
// integration with a larger reactor.
func (c *Context) EventLoop() *eventloop.Loop { return c.loop }

// SetEventLoop swaps in an externally owned loop so several contexts can
// share one reactor. Must be called before any session or listener
// exists; the previously owned loop is closed.
func (c *Context) SetEventLoop(l *eventloop.Loop) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) > 0 || c.listenSock >= 0 {
		return coaperr.Engine("seteventloop", fmt.Errorf("context already has registered I/O"))
	}
	c.loop.Close()
	c.loop = l
	return nil
}

// NewSession creates a client session for a coap://, coaps://, or
// coap+unix:// URI. Plain sessions connect lazily on first send; DTLS
// sessions handshake eagerly so credential failures surface here.
func (c *Context) NewSession(uri string, opts ...SessionOption) (*Session, error) {
	ep, err := parseEndpoint(uri)
	if err != nil {
		return nil, err
	}
	s := newSession(c, ep)
	for _, opt := range opts {
		opt(s)
	}
	if ep.scheme == "coaps" && s.psk == nil && s.cert == nil {
		return nil, &coaperr.AddressError{URI: uri, Err: coaperr.ErrNoCredentials}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, coaperr.ErrContextClosed
	}
	c.sessions[s] = struct{}{}
	c.mu.Unlock()

	if ep.scheme == "coaps" {
		if err := s.connect(); err != nil {
			c.removeSession(s)
			return nil, err
		}
	}
	return s, nil
}

// AddResource registers a server-side resource.
func (c *Context) AddResource(r *Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.ctx = c
	if r.unknown {
		c.unknown = r
		return
	}
	c.resources[r.path] = r
}

// GetResource looks a resource up by path.
func (c *Context) GetResource(path string) *Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resources[strings.TrimPrefix(path, "/")]
}

// Resources snapshots the registered resources.
func (c *Context) Resources() []*Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Resource, 0, len(c.resources))
	for _, r := range c.resources {
		out = append(out, r)
	}
	return out
}

// retain keeps a request reachable while the transport may still
// retransmit its payload.
func (c *Context) retain(r *Request) {
	c.mu.Lock()
	c.retained[r] = struct{}{}
	c.mu.Unlock()
}

// release drops a retention taken by retain. Safe to call for requests
// that were never retained.
func (c *Context) release(r *Request) {
	if r == nil {
		return
	}
	c.mu.Lock()
	delete(c.retained, r)
	c.mu.Unlock()
	r.detach()
}

// RetainedCount reports how many requests are currently held for
// retransmission, mainly for tests and introspection.
func (c *Context) RetainedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.retained)
}

func (c *Context) removeSession(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s)
	if s.peerKey != "" {
		delete(c.byPeer, s.peerKey)
	}
	resources := make([]*Resource, 0, len(c.resources))
	for _, r := range c.resources {
		resources = append(resources, r)
	}
	c.mu.Unlock()

	for _, r := range resources {
		r.dropSession(s)
	}
	if c.limiter != nil && s.peerKey != "" {
		c.limiter.Remove(s.peerKey)
	}
}

// SessionCount returns the number of live sessions.
func (c *Context) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Context) emitEvent(ev SessionEvent, s *Session) {
	if c.EventCallback != nil {
		c.EventCallback(ev, s)
	}
}

func (c *Context) nack(s *Session, req *Request, reason NackReason) {
	c.metrics.Nacks.WithLabelValues(reason.String()).Inc()
	if c.NackCallback != nil {
		c.NackCallback(s, req, reason)
	}
}

// route dispatches one decoded inbound message. Wrappers built here are
// detached before the pooled message returns to the pool; anything that
// must outlive this call goes through MakePersistent first.
func (c *Context) route(s *Session, msg *pool.Message) {
	typ := msg.Type()
	code := msg.Code()
	mid := msg.MessageID()

	if codec.IsRequest(code) {
		req := &Request{PDU: wrapPDU(s, msg)}
		c.serverDispatch(s, req)
		req.detach()
		return
	}

	switch typ {
	case message.Acknowledgement:
		s.ackPending(mid)
		if code == codes.Empty {
			// Separate-response ack; the response follows later.
			return
		}
	case message.Reset:
		if s.ackPending(mid) {
			c.nack(s, nil, NackRST)
		}
		return
	}

	resp := &Response{PDU: wrapPDU(s, msg)}
	defer resp.detach()

	th := s.lookupHandler(resp.TokenKey())
	if th == nil {
		c.metrics.UnexpectedResponses.Inc()
		c.logger.Warn("response for unknown token", "token", resp.Token().String(), "code", code.String())
		if typ == message.Confirmable || typ == message.NonConfirmable {
			s.sendEmpty(message.Reset, mid)
		}
		return
	}

	if typ == message.Confirmable {
		// Separate response delivered as CON; ack it before the handler
		// runs so a slow callback cannot trigger a peer retransmit.
		s.sendEmpty(message.Acknowledgement, mid)
	}
	if s.responseHandler(th, resp) == DispositionFail {
		s.sendEmpty(message.Reset, mid)
	}
}

// serverDispatch serves one inbound request against the resource tree.
func (c *Context) serverDispatch(s *Session, req *Request) {
	respType := message.NonConfirmable
	if req.Type() == message.Confirmable {
		respType = message.Acknowledgement
	}

	if c.limiter != nil && s.peerKey != "" && !c.limiter.Allow(s.peerKey) {
		c.metrics.RateLimitedRequests.Inc()
		if err := s.sendResponse(req, codec.TooManyRequests, respType, nil, nil, nil); err != nil {
			s.logger.Warn("rate-limit response failed", "error", err)
		}
		return
	}

	path := strings.TrimPrefix(req.Path(), "/")

	if path == ".well-known/core" && req.Code() == codes.GET {
		cf := message.AppLinkFormat
		body := []byte(linkFormat(c.Resources()))
		if err := s.sendResponse(req, codes.Content, respType, body, &cf, nil); err != nil {
			s.logger.Warn("discovery response failed", "error", err)
		}
		return
	}

	c.mu.Lock()
	r := c.resources[path]
	if r == nil {
		r = c.unknown
	}
	c.mu.Unlock()

	if r == nil {
		if err := s.sendResponse(req, codes.NotFound, respType, nil, nil, nil); err != nil {
			s.logger.Warn("not-found response failed", "error", err)
		}
		return
	}
	r.dispatch(s, req)
}

// Listen binds the server-side UDP listener and registers it with the
// event loop. Inbound peers get implicit server sessions keyed by their
// remote address.
func (c *Context) Listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return &coaperr.AddressError{URI: addr, Err: err}
	}
	sock, err := listenUDP(udpAddr)
	if err != nil {
		return coaperr.Engine("listen", err)
	}

	c.mu.Lock()
	c.listenSock = sock
	c.listenAddr = boundUDPAddr(sock)
	c.listenBuf = make([]byte, codec.MaxMessageSize)
	c.mu.Unlock()

	cb := func(int, eventloop.Event) { c.onListenerReadable() }
	if err := c.loop.Register(sock, eventloop.EventRead, cb); err != nil {
		unix.Close(sock)
		return coaperr.Engine("listen", err)
	}
	c.logger.Info("listening", "addr", c.listenAddr.String())

	if c.sessionTimeout > 0 {
		c.scheduleSweep()
	}
	return nil
}

// ListenAddr returns the bound listener address, resolving port 0 binds.
func (c *Context) ListenAddr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listenAddr
}

func (c *Context) onListenerReadable() {
	for {
		c.mu.Lock()
		sock := c.listenSock
		buf := c.listenBuf
		c.mu.Unlock()
		if sock < 0 {
			return
		}

		n, sa, err := unix.Recvfrom(sock, buf, 0)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				c.logger.Warn("listener recv failed", "error", err)
			}
			return
		}
		raddr := udpAddrFromSockaddr(sa)
		if raddr == nil {
			continue
		}
		s := c.peerSession(sock, sa, raddr)
		s.handleDatagram(buf[:n])
	}
}

// peerSession returns the server session for a remote address, creating
// it on first contact.
func (c *Context) peerSession(sock int, sa unix.Sockaddr, raddr *net.UDPAddr) *Session {
	key := raddr.String()
	c.mu.Lock()
	if s, ok := c.byPeer[key]; ok {
		c.mu.Unlock()
		return s
	}
	local := c.listenAddr
	c.mu.Unlock()

	s := newSession(c, endpoint{scheme: "coap", host: raddr.IP.String(), port: raddr.Port})
	s.isServer = true
	s.peerKey = key
	s.tr = &serverTransport{sock: sock, local: local, peer: sa, raddr: raddr}
	s.connected = true

	c.mu.Lock()
	c.sessions[s] = struct{}{}
	c.byPeer[key] = s
	c.mu.Unlock()

	c.metrics.SessionsTotal.WithLabelValues("server", "coap").Inc()
	c.metrics.SessionsActive.WithLabelValues("server", "coap").Inc()
	c.emitEvent(EventConnected, s)
	return s
}

// scheduleSweep arms the idle-session sweep timer.
func (c *Context) scheduleSweep() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.sweepActive = true
	c.mu.Unlock()

	interval := c.sessionTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	c.loop.After(interval, func() {
		c.sweepIdleSessions()
		c.scheduleSweep()
	})
}

func (c *Context) sweepIdleSessions() {
	cutoff := time.Now().Add(-c.sessionTimeout)
	c.mu.Lock()
	idle := make([]*Session, 0)
	for s := range c.sessions {
		if s.isServer && s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	c.mu.Unlock()

	for _, s := range idle {
		c.logger.Debug("releasing idle session", "peer", s.peerKey)
		s.Release()
	}
}

// IOProcess runs one I/O cycle: readiness callbacks, submitted work, and
// due timers. timeout bounds the wait for readiness; zero polls without
// blocking.
func (c *Context) IOProcess(timeout time.Duration) error {
	_, err := c.loop.RunOnce(timeout)
	return err
}

// Loop drives I/O until every handler in wait is ready, timeout elapses,
// or StopLoop is called. ioTimeout bounds each cycle and defaults to
// 100ms. With an empty wait list, Loop runs until timeout or StopLoop.
func (c *Context) Loop(timeout, ioTimeout time.Duration, wait []*TokenHandler) error {
	if ioTimeout <= 0 {
		ioTimeout = 100 * time.Millisecond
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		c.mu.Lock()
		if c.stopLoop {
			c.stopLoop = false
			c.mu.Unlock()
			return coaperr.ErrLoopStopped
		}
		c.mu.Unlock()

		ready := len(wait) > 0
		for _, th := range wait {
			if !th.Ready() {
				ready = false
				break
			}
		}
		if ready {
			return nil
		}

		cycle := ioTimeout
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				if len(wait) > 0 {
					return coaperr.ErrTimeout
				}
				return nil
			}
			if left < cycle {
				cycle = left
			}
		}
		if _, err := c.loop.RunOnce(cycle); err != nil {
			return err
		}
	}
}

// StopLoop makes the innermost Loop call return after its current cycle.
// Callable from loop callbacks.
func (c *Context) StopLoop() {
	c.mu.Lock()
	c.stopLoop = true
	c.mu.Unlock()
	c.loop.Submit(func() {})
}

// Run drives the event loop until ctx is done, for server processes that
// dedicate a goroutine to I/O.
func (c *Context) Run(ctx context.Context) error {
	return c.loop.Run(ctx)
}

// Close releases every session, closes the listener and the loop, and
// unregisters from the registry. Idempotent.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	sock := c.listenSock
	c.listenSock = -1
	c.retained = make(map[*Request]struct{})
	c.mu.Unlock()

	for _, s := range sessions {
		s.Release()
	}
	if sock >= 0 {
		c.loop.Deregister(sock)
		unix.Close(sock)
	}
	c.cancel()
	c.loop.Close()
	c.registry.unregister(c)
	return nil
}
