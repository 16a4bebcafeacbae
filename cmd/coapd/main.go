// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

// coapd is a standalone CoAP server exposing a small resource tree plus
// health and Prometheus endpoints over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/coapmux/coapmux"
	"github.com/coapmux/coapmux/pkg/coap"
	"github.com/coapmux/coapmux/pkg/health"
)

const envPrefix = "COAPMUX_"

func main() {
	if err := run(); err != nil {
		slog.Error("coapd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := coapmux.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := []coap.ContextOption{
		coap.WithLogger(logger),
		coap.WithSessionTimeout(cfg.SessionTimeout),
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, coap.WithRateLimit(int(cfg.RateLimit)))
	}
	cc, err := coap.NewContext(opts...)
	if err != nil {
		return err
	}
	defer cc.Close()

	registerResources(cc, logger)

	if err := cc.Listen(cfg.Address); err != nil {
		return err
	}
	if cfg.Multicast {
		if err := cc.EnableMulticast(); err != nil {
			logger.Warn("multicast disabled", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return cc.Run(gctx)
	})
	if cfg.HTTPAddress != "" {
		g.Go(func() error {
			return serveHTTP(gctx, cfg.HTTPAddress, cc, logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return nil
	})

	logger.Info("coapd started", "address", cfg.Address)
	return g.Wait()
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

// registerResources builds the default resource tree: a time resource
// observers can subscribe to, an echo resource, and a catch-all that
// reports unknown paths.
func registerResources(cc *coap.Context, logger *slog.Logger) {
	now := coap.NewResource("time").
		SetTitle("server time").
		SetObservable(true).
		AddHandler(codes.GET, func(_ *coap.Session, _ *coap.Request, resp *coap.ResourceResponse) {
			resp.SetText(time.Now().Format(time.RFC3339))
		})
	cc.AddResource(now)

	echo := coap.NewResource("echo").
		SetTitle("echoes the request payload").
		AddHandler(codes.POST, func(_ *coap.Session, req *coap.Request, resp *coap.ResourceResponse) {
			resp.Code = codes.Changed
			resp.Payload = req.Payload()
		})
	cc.AddResource(echo)

	cc.AddResource(coap.NewUnknownResource(func(_ *coap.Session, req *coap.Request, resp *coap.ResourceResponse) {
		logger.Debug("request for unknown resource", "path", req.Path())
		resp.Code = codes.NotFound
	}))

	// Push the current time to observers once a second.
	var tick func()
	tick = func() {
		now.Notify([]byte(time.Now().Format(time.RFC3339)), nil)
		cc.EventLoop().After(time.Second, tick)
	}
	cc.EventLoop().After(time.Second, tick)
}

func serveHTTP(ctx context.Context, addr string, cc *coap.Context, logger *slog.Logger) error {
	checker := health.NewChecker(5 * time.Second)
	checker.Register("coap", func(context.Context) error {
		if cc.ListenAddr() == nil {
			return fmt.Errorf("listener not bound")
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", checker.HTTPHandler())
	mux.Handle("/health/live", health.LivenessHandler())
	mux.Handle("/health/ready", checker.ReadinessHandler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("http endpoints up", "address", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
