// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

// Package coapmux provides shared configuration for the CoAP session
// engine daemons and examples.
package coapmux

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds daemon-level configuration, populated from the
// environment. Prefixes are supplied by the caller via env.Options so one
// binary can carry several instances (plain and DTLS).
type Config struct {
	// Address is the CoAP listen address (host:port).
	Address string `env:"ADDRESS" envDefault:"0.0.0.0:5683"`

	// HTTPAddress serves metrics and health endpoints. Empty disables it.
	HTTPAddress string `env:"HTTP_ADDRESS" envDefault:""`

	// PSKIdentity and PSKKeyHex enable DTLS-PSK when both are set.
	PSKIdentity string `env:"PSK_IDENTITY" envDefault:""`
	PSKKeyHex   string `env:"PSK_KEY" envDefault:""`

	// CertFile and KeyFile enable DTLS with certificates when both are set.
	CertFile string `env:"CERT_FILE" envDefault:""`
	KeyFile  string `env:"KEY_FILE" envDefault:""`

	// SessionTimeout is the idle expiry for server-side sessions.
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT" envDefault:"30s"`

	// Multicast joins the default CoAP multicast groups on all usable
	// interfaces when true.
	Multicast bool `env:"MULTICAST" envDefault:"false"`

	// RateLimit is the per-peer request budget in requests per second.
	// Zero disables rate limiting.
	RateLimit int64 `env:"RATE_LIMIT" envDefault:"0"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// NewConfig reads a Config from the environment.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if (c.PSKIdentity == "") != (c.PSKKeyHex == "") {
		return Config{}, fmt.Errorf("PSK_IDENTITY and PSK_KEY must be set together")
	}
	return c, nil
}

// PSKKey decodes the hex-encoded pre-shared key.
func (c Config) PSKKey() ([]byte, error) {
	if c.PSKKeyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.PSKKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid PSK_KEY: %w", err)
	}
	return key, nil
}
