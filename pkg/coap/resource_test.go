// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"testing"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

func TestLinkFormat(t *testing.T) {
	resources := []*Resource{
		NewResource("z/last").SetObservable(true),
		NewResource("/a/first").SetTitle("first"),
		NewUnknownResource(func(*Session, *Request, *ResourceResponse) {}),
	}

	got := linkFormat(resources)
	want := `</a/first>;title="first",</z/last>;obs`
	if got != want {
		t.Errorf("linkFormat = %q, want %q", got, want)
	}
}

func TestLinkFormatEmpty(t *testing.T) {
	if got := linkFormat(nil); got != "" {
		t.Errorf("linkFormat(nil) = %q, want empty", got)
	}
}

func TestAddHandlerDefaultsToGET(t *testing.T) {
	r := NewResource("x").AddHandler(codes.Empty, func(*Session, *Request, *ResourceResponse) {})
	if _, ok := r.handlers[codes.GET]; !ok {
		t.Fatal("zero-code handler not registered under GET")
	}
}

func TestUnknownResourceFallsBackToPUTSlot(t *testing.T) {
	r := NewUnknownResource(func(*Session, *Request, *ResourceResponse) {})
	if !r.unknown {
		t.Fatal("unknown flag not set")
	}
	if _, ok := r.handlers[codes.PUT]; !ok {
		t.Fatal("handler not in the PUT slot")
	}
}
