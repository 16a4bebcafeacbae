// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/coapmux/coapmux/pkg/codec"
	coaperr "github.com/coapmux/coapmux/pkg/errors"
)

// startServer brings up a listening context on a loopback port with its
// loop driven by a dedicated goroutine.
func startServer(t *testing.T, opts ...ContextOption) *Context {
	t.Helper()
	srv, err := NewContext(opts...)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		srv.Close()
		t.Fatalf("Listen: %v", err)
	}
	runLoop(t, srv)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func newClient(t *testing.T) *Context {
	t.Helper()
	cl, err := NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(func() { cl.Close() })
	return cl
}

// runLoop drives a context's loop on a goroutine until test cleanup.
func runLoop(t *testing.T, c *Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("loop goroutine did not stop")
		}
	})
}

func serverURI(srv *Context, path string) string {
	return fmt.Sprintf("coap://%s/%s", srv.ListenAddr(), strings.TrimPrefix(path, "/"))
}

func TestRequestResponseRoundTrip(t *testing.T) {
	srv := startServer(t)
	srv.AddResource(NewResource("echo").AddHandler(codes.POST,
		func(_ *Session, req *Request, resp *ResourceResponse) {
			resp.Code = codes.Changed
			resp.Payload = req.Payload()
		}))

	cl := newClient(t)
	sess, err := cl.NewSession(serverURI(srv, "echo"))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	resp, err := sess.Request(SendOptions{Code: codes.POST, Payload: []byte("hello")}, 3*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Code() != codes.Changed {
		t.Fatalf("code = %v, want Changed", resp.Code())
	}
	if string(resp.Payload()) != "hello" {
		t.Fatalf("payload = %q, want hello", resp.Payload())
	}
	if resp.RequestPDU() == nil {
		t.Fatal("response lost its request backreference")
	}
}

func TestUnknownPathReturnsNotFound(t *testing.T) {
	srv := startServer(t)
	cl := newClient(t)
	sess, err := cl.NewSession(serverURI(srv, "nothing/here"))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	resp, err := sess.Request(SendOptions{}, 3*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Code() != codes.NotFound {
		t.Fatalf("code = %v, want NotFound", resp.Code())
	}
	if !resp.IsError() {
		t.Fatal("4.04 not classified as error")
	}
}

func TestWellKnownCoreDiscovery(t *testing.T) {
	srv := startServer(t)
	srv.AddResource(NewResource("time").SetTitle("server time").SetObservable(true).
		AddHandler(codes.GET, func(_ *Session, _ *Request, resp *ResourceResponse) {
			resp.SetText("now")
		}))

	cl := newClient(t)
	sess, err := cl.NewSession(serverURI(srv, ".well-known/core"))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	resp, err := sess.Request(SendOptions{}, 3*time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	body := string(resp.Payload())
	if !strings.Contains(body, "</time>") || !strings.Contains(body, ";obs") {
		t.Fatalf("discovery body = %q, want </time>...;obs", body)
	}
}

func TestObserveEndToEnd(t *testing.T) {
	srv := startServer(t)
	sensor := NewResource("sensor").SetObservable(true).
		AddHandler(codes.GET, func(_ *Session, _ *Request, resp *ResourceResponse) {
			resp.SetText("initial")
		})
	srv.AddResource(sensor)

	cl := newClient(t)
	runLoop(t, cl)
	sess, err := cl.NewSession(serverURI(srv, "sensor"))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	obs, err := sess.Query(SendOptions{Observe: true})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	// The registration response carries the current state.
	first, err := obs.Next(waitCtx(t))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(first.Payload()) != "initial" {
		t.Fatalf("first payload = %q, want initial", first.Payload())
	}

	waitFor(t, "observer registration", func() bool { return sensor.ObserverCount() == 1 })

	for i := 1; i <= 3; i++ {
		sensor.Notify([]byte(fmt.Sprintf("update-%d", i)), nil)
		got, err := obs.Next(waitCtx(t))
		if err != nil {
			t.Fatalf("Next after notify %d: %v", i, err)
		}
		if string(got.Payload()) != fmt.Sprintf("update-%d", i) {
			t.Fatalf("notification %d = %q", i, got.Payload())
		}
	}

	if err := obs.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "observer deregistration", func() bool { return sensor.ObserverCount() == 0 })

	if _, err := obs.Next(waitCtx(t)); err != coaperr.ErrObserverStopped {
		t.Fatalf("Next after Stop = %v, want ErrObserverStopped", err)
	}
}

// The request token is tracked in the session's handler table while the
// exchange is in flight and dropped once it completes.
func TestTokenTrackedUntilExchangeCompletes(t *testing.T) {
	srv := startServer(t)
	srv.AddResource(NewResource("echo").AddHandler(codes.POST,
		func(_ *Session, req *Request, resp *ResourceResponse) {
			resp.Code = codes.Changed
			resp.Payload = req.Payload()
		}))

	cl := newClient(t)
	sess, err := cl.NewSession(serverURI(srv, "echo"))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	th, err := sess.SendMessage(SendOptions{Code: codes.POST, Payload: []byte("x"), SaveResponse: true})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	sess.mu.Lock()
	_, tracked := sess.handlers[th.key]
	sess.mu.Unlock()
	if !tracked {
		t.Fatal("token not in the handler table right after send")
	}

	if err := cl.Loop(3*time.Second, 0, []*TokenHandler{th}); err != nil {
		t.Fatalf("Loop: %v", err)
	}
	if th.Response() == nil {
		t.Fatal("no response recorded")
	}

	sess.mu.Lock()
	_, tracked = sess.handlers[th.key]
	sess.mu.Unlock()
	if tracked {
		t.Fatal("token still tracked after the exchange completed")
	}
}

func TestRequestTimesOutAgainstSilentPeer(t *testing.T) {
	// A bound socket that never answers.
	blackhole, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("blackhole: %v", err)
	}
	defer blackhole.Close()

	cl := newClient(t)
	sess, err := cl.NewSession(fmt.Sprintf("coap://%s/x", blackhole.LocalAddr()))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	start := time.Now()
	_, err = sess.Request(SendOptions{}, 300*time.Millisecond)
	if err != coaperr.ErrTimeout {
		t.Fatalf("Request = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout not honored")
	}
}

func TestRateLimitedPeerGetsTooManyRequests(t *testing.T) {
	srv := startServer(t, WithRateLimit(1))
	srv.AddResource(NewResource("r").AddHandler(codes.GET,
		func(_ *Session, _ *Request, resp *ResourceResponse) { resp.SetText("ok") }))

	cl := newClient(t)
	sess, err := cl.NewSession(serverURI(srv, "r"))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	resp, err := sess.Request(SendOptions{}, 3*time.Second)
	if err != nil {
		t.Fatalf("first Request: %v", err)
	}
	if resp.IsError() {
		t.Fatalf("first request rejected: %v", resp.Code())
	}

	resp, err = sess.Request(SendOptions{}, 3*time.Second)
	if err != nil {
		t.Fatalf("second Request: %v", err)
	}
	if resp.Code() != codec.TooManyRequests {
		t.Fatalf("second code = %v, want 4.29", resp.Code())
	}
}

func TestServerSessionCreatedPerPeer(t *testing.T) {
	srv := startServer(t)
	srv.AddResource(NewResource("p").AddHandler(codes.GET,
		func(_ *Session, _ *Request, resp *ResourceResponse) { resp.SetText("pong") }))

	var mu sync.Mutex
	var events []SessionEvent
	srv.EventCallback = func(ev SessionEvent, _ *Session) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	cl := newClient(t)
	sess, err := cl.NewSession(serverURI(srv, "p"))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := sess.Request(SendOptions{}, 3*time.Second); err != nil {
		t.Fatalf("Request: %v", err)
	}

	waitFor(t, "server session", func() bool { return srv.SessionCount() == 1 })
	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 || events[0] != EventConnected {
		t.Fatalf("events = %v, want leading connected", events)
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
