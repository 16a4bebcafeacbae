// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package coapmux

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(env.Options{Prefix: "TEST_DEFAULTS_"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Address != "0.0.0.0:5683" {
		t.Errorf("Address = %q", cfg.Address)
	}
	if cfg.SessionTimeout != 30*time.Second {
		t.Errorf("SessionTimeout = %v", cfg.SessionTimeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestNewConfigFromEnvironment(t *testing.T) {
	t.Setenv("CFGTEST_ADDRESS", "127.0.0.1:15683")
	t.Setenv("CFGTEST_RATE_LIMIT", "10")
	t.Setenv("CFGTEST_PSK_IDENTITY", "client1")
	t.Setenv("CFGTEST_PSK_KEY", "deadbeef")

	cfg, err := NewConfig(env.Options{Prefix: "CFGTEST_"})
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.Address != "127.0.0.1:15683" {
		t.Errorf("Address = %q", cfg.Address)
	}
	if cfg.RateLimit != 10 {
		t.Errorf("RateLimit = %d", cfg.RateLimit)
	}

	key, err := cfg.PSKKey()
	if err != nil {
		t.Fatalf("PSKKey: %v", err)
	}
	if len(key) != 4 || key[0] != 0xde {
		t.Errorf("PSKKey = %x", key)
	}
}

func TestNewConfigRejectsPartialPSK(t *testing.T) {
	t.Setenv("PARTIAL_PSK_IDENTITY", "client1")

	if _, err := NewConfig(env.Options{Prefix: "PARTIAL_"}); err == nil {
		t.Fatal("partial PSK configuration accepted")
	}
}

func TestPSKKeyRejectsBadHex(t *testing.T) {
	cfg := Config{PSKKeyHex: "not-hex"}
	if _, err := cfg.PSKKey(); err == nil {
		t.Fatal("invalid hex accepted")
	}
}
