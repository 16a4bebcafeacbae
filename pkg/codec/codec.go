// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

// RFC 7252 section 4.8 transmission parameters.
const (
	// AckTimeout is the initial retransmission timeout for CON messages.
	AckTimeout = 2 * time.Second

	// AckRandomFactor spreads retransmission timeouts.
	AckRandomFactor = 1.5

	// MaxRetransmit is the retransmission count before giving up.
	MaxRetransmit = 4

	// MaxMessageSize is the default PDU size limit.
	MaxMessageSize = 65535

	// NStart is the outstanding-CON bound toward one peer.
	NStart = 1
)

// TooManyRequests is the RFC 8516 4.29 response code.
const TooManyRequests = codes.Code(157)

// NewMessage allocates a pooled message bound to ctx. The message is only
// valid until ReleaseMessage; long-lived copies go through the PDU
// persistence layer.
func NewMessage(ctx context.Context) *pool.Message {
	return pool.NewMessage(ctx)
}

// ReleaseMessage returns a message to the pool.
func ReleaseMessage(m *pool.Message) {
	m.Reset()
}

// Encode marshals a message to its UDP wire form.
func Encode(m *pool.Message) ([]byte, error) {
	data, err := m.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CoAP message: %w", err)
	}
	return data, nil
}

// Decode parses one datagram into a pooled message.
func Decode(ctx context.Context, data []byte) (*pool.Message, error) {
	m := pool.NewMessage(ctx)
	if _, err := m.UnmarshalWithDecoder(coder.DefaultCoder, data); err != nil {
		m.Reset()
		return nil, fmt.Errorf("failed to unmarshal CoAP message: %w", err)
	}
	return m, nil
}

// NewToken produces a fresh 8-byte token.
func NewToken() (message.Token, error) {
	return message.GetToken()
}

// TokenKey interprets token bytes as an unsigned integer, the key for a
// session's token-handler table. Tokens longer than 8 bytes never occur
// for tokens this engine generates.
func TokenKey(t message.Token) uint64 {
	var buf [8]byte
	n := len(t)
	if n > 8 {
		n = 8
	}
	copy(buf[8-n:], t[:n])
	return binary.BigEndian.Uint64(buf[:])
}

// MIDSource hands out message IDs from a randomly seeded counter.
type MIDSource struct {
	next uint32
}

// NewMIDSource seeds a message-ID counter.
func NewMIDSource() *MIDSource {
	return &MIDSource{next: rand.Uint32()}
}

// Next returns a fresh message ID.
func (s *MIDSource) Next() int32 {
	return int32(uint16(atomic.AddUint32(&s.next, 1)))
}

// IsRequest reports whether code is a CoAP method code (class 0, nonzero
// detail).
func IsRequest(code codes.Code) bool {
	return code != codes.Empty && code>>5 == 0
}

// IsSuccess reports whether code is a 2.xx response code.
func IsSuccess(code codes.Code) bool {
	return code>>5 == 2
}
