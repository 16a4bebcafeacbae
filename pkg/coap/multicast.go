// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	coaperr "github.com/coapmux/coapmux/pkg/errors"
)

// RFC 7252 section 12.8 "All CoAP Nodes" multicast groups.
var (
	multicastIPv4 = [4]byte{224, 0, 1, 187}
	multicastIPv6 = func() [16]byte {
		var g [16]byte
		copy(g[:], net.ParseIP("ff02::fd").To16())
		return g
	}()
)

// EnableMulticast joins the listener socket to the All CoAP Nodes group
// on the named interfaces, or on every multicast-capable interface when
// ifaces is empty. Per-interface join failures are logged and skipped;
// the call fails only when no interface could be joined.
func (c *Context) EnableMulticast(ifaces ...string) error {
	c.mu.Lock()
	sock := c.listenSock
	addr := c.listenAddr
	c.mu.Unlock()
	if sock < 0 {
		return coaperr.Engine("multicast", fmt.Errorf("no listener; call Listen first"))
	}

	candidates, err := multicastInterfaces(ifaces)
	if err != nil {
		return coaperr.Engine("multicast", err)
	}

	ipv6 := addr != nil && addr.IP.To4() == nil
	joined := 0
	for _, iface := range candidates {
		var jerr error
		if ipv6 {
			mreq := &unix.IPv6Mreq{Interface: uint32(iface.Index)}
			mreq.Multiaddr = multicastIPv6
			jerr = unix.SetsockoptIPv6Mreq(sock, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq)
		} else {
			mreq := &unix.IPMreqn{Ifindex: int32(iface.Index)}
			copy(mreq.Multiaddr[:], multicastIPv4[:])
			jerr = unix.SetsockoptIPMreqn(sock, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
		}
		if jerr != nil {
			c.logger.Warn("multicast join failed", "interface", iface.Name, "error", jerr)
			continue
		}
		c.logger.Info("joined multicast group", "interface", iface.Name)
		joined++
	}
	if joined == 0 {
		return coaperr.Engine("multicast", fmt.Errorf("no interface joined"))
	}
	return nil
}

func multicastInterfaces(names []string) ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		var out []net.Interface
		for _, iface := range all {
			if iface.Flags&net.FlagMulticast != 0 && iface.Flags&net.FlagUp != 0 {
				out = append(out, iface)
			}
		}
		return out, nil
	}

	byName := make(map[string]net.Interface, len(all))
	for _, iface := range all {
		byName[iface.Name] = iface
	}
	out := make([]net.Interface, 0, len(names))
	for _, name := range names {
		iface, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown interface %q", name)
		}
		out = append(out, iface)
	}
	return out, nil
}
