// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"testing"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/coapmux/coapmux/pkg/codec"
)

// The error boundary is the 2.xx class: 2.01 through 2.31 succeed,
// everything else including the Empty code counts as an error.
func TestResponseIsError(t *testing.T) {
	cases := []struct {
		code codes.Code
		want bool
	}{
		{codes.Empty, true},
		{codes.Created, false},
		{codes.Content, false},
		{codes.Code(95), false},
		{codes.BadRequest, true},
		{codes.NotFound, true},
		{codes.MethodNotAllowed, true},
		{codec.TooManyRequests, true},
		{codes.InternalServerError, true},
	}
	for _, tc := range cases {
		resp := testResponse(tc.code, "")
		if got := resp.IsError(); got != tc.want {
			t.Errorf("IsError(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestPDUCachesHeaderFields(t *testing.T) {
	msg := codec.NewMessage(context.Background())
	msg.SetType(message.NonConfirmable)
	msg.SetCode(codes.Content)
	msg.SetMessageID(77)
	msg.SetToken(message.Token{0x01, 0x02})

	pdu := wrapPDU(nil, msg)
	codec.ReleaseMessage(msg)
	pdu.detach()

	if pdu.Type() != message.NonConfirmable {
		t.Errorf("Type = %v, want NON", pdu.Type())
	}
	if pdu.Code() != codes.Content {
		t.Errorf("Code = %v", pdu.Code())
	}
	if pdu.MessageID() != 77 {
		t.Errorf("MessageID = %d", pdu.MessageID())
	}
	if pdu.TokenKey() != 0x0102 {
		t.Errorf("TokenKey = %#x", pdu.TokenKey())
	}
}

func TestMakePersistentCapturesBeforeDetach(t *testing.T) {
	msg := codec.NewMessage(context.Background())
	msg.SetType(message.Acknowledgement)
	msg.SetCode(codes.Content)
	msg.SetToken(message.Token{0xaa})
	if err := msg.SetPath("/a/b"); err != nil {
		t.Fatalf("SetPath: %v", err)
	}

	pdu := wrapPDU(nil, msg)
	pdu.MakePersistent()
	pdu.MakePersistent() // idempotent
	pdu.detach()
	codec.ReleaseMessage(msg)

	if !pdu.Persistent() {
		t.Fatal("not persistent after MakePersistent")
	}
	if got := pdu.Path(); got != "/a/b" {
		t.Errorf("Path = %q, want /a/b", got)
	}
}

func TestPayloadNilAfterDetachWithoutPersistence(t *testing.T) {
	msg := codec.NewMessage(context.Background())
	msg.SetCode(codes.Content)

	pdu := wrapPDU(nil, msg)
	pdu.detach()
	codec.ReleaseMessage(msg)

	if got := pdu.Payload(); got != nil {
		t.Errorf("Payload after detach = %v, want nil", got)
	}
	if got := pdu.Options(true); got != nil {
		t.Errorf("Options after detach = %v, want nil", got)
	}
}

func TestResponseCloneIsIndependent(t *testing.T) {
	orig := testResponse(codes.Content, "shared")
	dup := orig.clone()

	if dup == orig {
		t.Fatal("clone returned the same wrapper")
	}
	if string(dup.Payload()) != "shared" {
		t.Errorf("clone payload = %q", dup.Payload())
	}
	if dup.Code() != orig.Code() {
		t.Errorf("clone code = %v, want %v", dup.Code(), orig.Code())
	}
}
