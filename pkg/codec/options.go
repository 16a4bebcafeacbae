// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/pool"
)

// Option is one decoded CoAP option. Value is a string for well-known
// text options, a uint64 for integer-valued and short unknown options,
// and a []byte otherwise.
type Option struct {
	ID    message.OptionID
	Name  string
	Value any
}

var optionNames = map[message.OptionID]string{
	message.IfMatch:       "If-Match",
	message.URIHost:       "Uri-Host",
	message.ETag:          "ETag",
	message.IfNoneMatch:   "If-None-Match",
	message.Observe:       "Observe",
	message.URIPort:       "Uri-Port",
	message.LocationPath:  "Location-Path",
	message.URIPath:       "Uri-Path",
	message.ContentFormat: "Content-Format",
	message.MaxAge:        "Max-Age",
	message.URIQuery:      "Uri-Query",
	message.Accept:        "Accept",
	message.LocationQuery: "Location-Query",
	message.Block2:        "Block2",
	message.Block1:        "Block1",
	message.Size2:         "Size2",
	message.ProxyURI:      "Proxy-Uri",
	message.ProxyScheme:   "Proxy-Scheme",
	message.Size1:         "Size1",
	message.NoResponse:    "No-Response",
}

// textOptions are decoded as UTF-8 strings.
var textOptions = map[message.OptionID]struct{}{
	message.URIHost:       {},
	message.URIPath:       {},
	message.URIQuery:      {},
	message.LocationPath:  {},
	message.LocationQuery: {},
	message.ProxyURI:      {},
	message.ProxyScheme:   {},
}

// opaqueOptions stay raw bytes regardless of length.
var opaqueOptions = map[message.OptionID]struct{}{
	message.ETag:    {},
	message.IfMatch: {},
}

var mediaTypeNames = map[uint64]string{
	0:     "text/plain",
	40:    "application/link-format",
	41:    "application/xml",
	42:    "application/octet-stream",
	47:    "application/exi",
	50:    "application/json",
	60:    "application/cbor",
	11542: "application/vnd.oma.lwm2m+json",
	11543: "application/vnd.oma.lwm2m+tlv",
}

// optionUint decodes a variable-length big-endian unsigned option value.
func optionUint(v []byte) uint64 {
	var n uint64
	for _, b := range v {
		n = n<<8 | uint64(b)
	}
	return n
}

// OptionName returns the registered name for an option, or the numeric
// form for unassigned numbers.
func OptionName(id message.OptionID) string {
	if name, ok := optionNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Option-%d", uint32(id))
}

// ContentFormatName maps a Content-Format number to its media-type name,
// falling back to the numeric value.
func ContentFormatName(cf uint64) string {
	if name, ok := mediaTypeNames[cf]; ok {
		return name
	}
	return fmt.Sprintf("%d", cf)
}

// CopyOptions deep-copies a message's option list so it can outlive the
// pooled message it came from.
func CopyOptions(opts message.Options) message.Options {
	out := make(message.Options, 0, len(opts))
	for _, opt := range opts {
		out = append(out, message.Option{ID: opt.ID, Value: append([]byte(nil), opt.Value...)})
	}
	return out
}

// DecodeOptions decodes a message's options. See DecodeRaw.
func DecodeOptions(m *pool.Message, lookupNames bool) []Option {
	return DecodeRaw(m.Options(), lookupNames)
}

// DecodeRaw decodes each option according to its registered semantics:
// well-known text options as UTF-8, Content-Format and Accept as integers
// (with lookupNames, mapped to the media-type name), short unknown values
// as integers, long ones as raw bytes.
func DecodeRaw(opts message.Options, lookupNames bool) []Option {
	var out []Option
	for _, opt := range opts {
		decoded := Option{ID: opt.ID, Name: OptionName(opt.ID)}
		switch {
		case opt.ID == message.ContentFormat || opt.ID == message.Accept:
			cf := optionUint(opt.Value)
			if lookupNames {
				decoded.Value = ContentFormatName(cf)
			} else {
				decoded.Value = cf
			}
		default:
			if _, ok := textOptions[opt.ID]; ok {
				decoded.Value = string(opt.Value)
				break
			}
			if _, ok := opaqueOptions[opt.ID]; ok {
				decoded.Value = append([]byte(nil), opt.Value...)
				break
			}
			if len(opt.Value) <= 8 {
				decoded.Value = optionUint(opt.Value)
			} else {
				decoded.Value = append([]byte(nil), opt.Value...)
			}
		}
		out = append(out, decoded)
	}
	return out
}

// GroupOptions groups repeated options under their hyphenated lower-case
// name, the lookup_names form of the option listing.
func GroupOptions(opts []Option) map[string][]any {
	grouped := make(map[string][]any, len(opts))
	for _, opt := range opts {
		key := strings.ToLower(opt.Name)
		grouped[key] = append(grouped[key], opt.Value)
	}
	return grouped
}
