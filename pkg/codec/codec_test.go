// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"context"
	"testing"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

func TestTokenKey(t *testing.T) {
	cases := []struct {
		desc  string
		token message.Token
		want  uint64
	}{
		{desc: "empty", token: nil, want: 0},
		{desc: "single byte", token: message.Token{0x2a}, want: 0x2a},
		{desc: "right aligned", token: message.Token{0x01, 0x02}, want: 0x0102},
		{desc: "full width", token: message.Token{1, 2, 3, 4, 5, 6, 7, 8}, want: 0x0102030405060708},
		{desc: "overlong truncates", token: message.Token{9, 1, 2, 3, 4, 5, 6, 7, 8}, want: 0x0901020304050607},
	}
	for _, tc := range cases {
		if got := TokenKey(tc.token); got != tc.want {
			t.Errorf("%s: TokenKey(%v) = %#x, want %#x", tc.desc, tc.token, got, tc.want)
		}
	}
}

func TestTokenKeyDistinguishesFreshTokens(t *testing.T) {
	seen := make(map[uint64]struct{})
	for i := 0; i < 100; i++ {
		token, err := NewToken()
		if err != nil {
			t.Fatalf("NewToken: %v", err)
		}
		key := TokenKey(token)
		if _, dup := seen[key]; dup {
			t.Fatalf("duplicate key %#x after %d tokens", key, i)
		}
		seen[key] = struct{}{}
	}
}

func TestIsSuccess(t *testing.T) {
	cases := []struct {
		code codes.Code
		want bool
	}{
		{codes.Empty, false},
		{codes.GET, false},
		{codes.Created, true},   // 2.01
		{codes.Content, true},   // 2.05
		{codes.Code(95), true},  // 2.31, top of the success class
		{codes.Code(96), false}, // 3.00
		{codes.BadRequest, false},
		{codes.NotFound, false},
		{codes.InternalServerError, false},
		{TooManyRequests, false},
	}
	for _, tc := range cases {
		if got := IsSuccess(tc.code); got != tc.want {
			t.Errorf("IsSuccess(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRequest(t *testing.T) {
	cases := []struct {
		code codes.Code
		want bool
	}{
		{codes.Empty, false},
		{codes.GET, true},
		{codes.POST, true},
		{codes.PUT, true},
		{codes.DELETE, true},
		{codes.Content, false},
		{codes.NotFound, false},
	}
	for _, tc := range cases {
		if got := IsRequest(tc.code); got != tc.want {
			t.Errorf("IsRequest(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestMIDSourceWraps(t *testing.T) {
	src := NewMIDSource()
	seen := make(map[int32]struct{})
	for i := 0; i < 1000; i++ {
		mid := src.Next()
		if mid < 0 || mid > 0xffff {
			t.Fatalf("mid %d out of 16-bit range", mid)
		}
		if _, dup := seen[mid]; dup {
			t.Fatalf("mid %d repeated within window", mid)
		}
		seen[mid] = struct{}{}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := NewMessage(context.Background())
	defer ReleaseMessage(msg)
	msg.SetType(message.Confirmable)
	msg.SetCode(codes.GET)
	msg.SetMessageID(1234)
	msg.SetToken(message.Token{0xde, 0xad})
	if err := msg.SetPath("/sensors/temp"); err != nil {
		t.Fatalf("SetPath: %v", err)
	}

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(context.Background(), data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	defer ReleaseMessage(decoded)

	if decoded.Code() != codes.GET {
		t.Errorf("code = %v, want GET", decoded.Code())
	}
	if decoded.MessageID() != 1234 {
		t.Errorf("mid = %d, want 1234", decoded.MessageID())
	}
	if TokenKey(decoded.Token()) != 0xdead {
		t.Errorf("token key = %#x, want 0xdead", TokenKey(decoded.Token()))
	}
	path, err := decoded.Path()
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if path != "/sensors/temp" {
		t.Errorf("path = %q, want /sensors/temp", path)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode(context.Background(), []byte{0xff}); err == nil {
		t.Fatal("expected error for truncated datagram")
	}
}
