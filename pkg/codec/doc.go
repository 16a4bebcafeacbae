// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the engine's boundary to the underlying CoAP protocol
// library. It wraps message allocation, wire encode/decode, token and
// message-ID generation, and option decoding so that the rest of the
// engine never touches the protocol library directly.
package codec
