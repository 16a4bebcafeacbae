// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

// Package coap implements the CoAP client/server session engine: a
// Context owning sessions and resources, per-session token correlation of
// responses to requests, Observe subscriptions exposed as Observer
// streams with fan-out via ObserverMultiplier, PDU lifetime management
// with explicit persistence, and reactor-driven I/O with confirmable
// retransmission.
//
// Wire-format encoding, DTLS handshakes, and block-wise reassembly are
// delegated to the protocol libraries behind pkg/codec and the transport
// layer; this package owns everything between the datagram and the
// application callback.
package coap
