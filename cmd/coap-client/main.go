// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

// coap-client is a command-line CoAP client. Without arguments it
// discovers the resources of a local server and prints them as a table;
// with -observe it subscribes to a resource and streams notifications.
// DTLS credentials come from the -psk-* flags or, when those are unset,
// from the COAPMUX_ environment.
package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/olekukonko/tablewriter"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/coapmux/coapmux"
	"github.com/coapmux/coapmux/pkg/coap"
)

const (
	defaultURI = "coap://localhost/.well-known/core"
	envPrefix  = "COAPMUX_"
)

func main() {
	var (
		method  = flag.String("method", "get", "request method: get, post, put, delete")
		payload = flag.String("payload", "", "request payload")
		timeout = flag.Duration("timeout", 5*time.Second, "response timeout")
		observe = flag.Duration("observe", 0, "subscribe and stream notifications for this long")
		pskID   = flag.String("psk-identity", "", "DTLS PSK identity")
		pskKey  = flag.String("psk-key", "", "DTLS PSK key, hex encoded")
		verbose = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	uri := defaultURI
	if flag.NArg() > 0 {
		uri = flag.Arg(0)
	}

	if err := run(logger, uri, *method, *payload, *timeout, *observe, *pskID, *pskKey); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, uri, method, payload string, timeout, observe time.Duration, pskID, pskKey string) error {
	code, err := methodCode(method)
	if err != nil {
		return err
	}

	cc, err := coap.NewContext(coap.WithLogger(logger))
	if err != nil {
		return err
	}
	defer cc.Close()

	opts, err := credentialOptions(pskID, pskKey)
	if err != nil {
		return err
	}
	sess, err := cc.NewSession(uri, opts...)
	if err != nil {
		return err
	}

	if observe > 0 {
		return streamNotifications(cc, sess, observe)
	}

	so := coap.SendOptions{Code: code}
	if payload != "" {
		so.Payload = []byte(payload)
	}
	resp, err := sess.Request(so, timeout)
	if err != nil {
		return err
	}
	printResponse(resp)
	return nil
}

// credentialOptions builds the DTLS session options. Flag-supplied PSK
// credentials win; otherwise the COAPMUX_ environment supplies PSK or
// certificate material, the same variables coapd reads.
func credentialOptions(pskID, pskKeyHex string) ([]coap.SessionOption, error) {
	if pskID == "" && pskKeyHex == "" {
		_ = godotenv.Load()
		cfg, err := coapmux.NewConfig(env.Options{Prefix: envPrefix})
		if err != nil {
			return nil, err
		}
		pskID, pskKeyHex = cfg.PSKIdentity, cfg.PSKKeyHex
		if pskID == "" && cfg.CertFile != "" && cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("loading certificate: %w", err)
			}
			return []coap.SessionOption{coap.WithPKI(cert)}, nil
		}
	}
	if pskID == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(pskKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid psk-key: %w", err)
	}
	return []coap.SessionOption{coap.WithPSK(pskID, key)}, nil
}

func methodCode(method string) (codes.Code, error) {
	switch strings.ToLower(method) {
	case "get":
		return codes.GET, nil
	case "post":
		return codes.POST, nil
	case "put":
		return codes.PUT, nil
	case "delete":
		return codes.DELETE, nil
	default:
		return 0, fmt.Errorf("unknown method %q", method)
	}
}

// streamNotifications subscribes to the session URI and prints
// notifications until the observation window closes.
func streamNotifications(cc *coap.Context, sess *coap.Session, window time.Duration) error {
	obs, err := sess.Query(coap.SendOptions{Observe: true})
	if err != nil {
		return err
	}
	defer obs.Stop()

	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		// Drive I/O so notifications can arrive, then drain the observer
		// without blocking past the window.
		if err := cc.IOProcess(100 * time.Millisecond); err != nil {
			return err
		}
		nextCtx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		resp, err := obs.Next(nextCtx)
		cancel()
		if err != nil {
			if err == context.DeadlineExceeded {
				continue
			}
			return err
		}
		fmt.Printf("%s  %s\n", resp.Code(), string(resp.Payload()))
	}
	return nil
}

func printResponse(resp *coap.Response) {
	if isLinkFormat(resp) {
		printLinkTable(string(resp.Payload()))
		return
	}
	fmt.Println(resp.Code().String())
	if p := resp.Payload(); len(p) > 0 {
		fmt.Println(string(p))
	}
}

func isLinkFormat(resp *coap.Response) bool {
	for name, values := range resp.OptionsByName() {
		if name != "content-format" {
			continue
		}
		for _, v := range values {
			if s, ok := v.(string); ok && s == "application/link-format" {
				return true
			}
		}
	}
	return false
}

// printLinkTable renders an RFC 6690 listing as a table.
func printLinkTable(body string) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Path", "Title", "Observable"})

	for _, link := range strings.Split(body, ",") {
		if link == "" {
			continue
		}
		parts := strings.Split(link, ";")
		path := strings.Trim(parts[0], "<>")
		title := ""
		obs := ""
		for _, attr := range parts[1:] {
			switch {
			case strings.HasPrefix(attr, "title="):
				title = strings.Trim(strings.TrimPrefix(attr, "title="), `"`)
			case attr == "obs":
				obs = "yes"
			}
		}
		table.Append([]string{path, title, obs})
	}
	table.Render()
}
