// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// errWouldBlock signals a drained non-blocking socket.
var errWouldBlock = errors.New("operation would block")

// transport is one session's datagram channel. fd returns -1 for
// transports that cannot be registered with the reactor (DTLS, shared
// server sockets); those deliver inbound data through other paths.
type transport interface {
	send(data []byte) error
	recv(buf []byte) (int, error)
	fd() int
	close() error
	localAddr() net.Addr
	remoteAddr() net.Addr
}

func sockaddrFromUDP(addr *net.UDPAddr) (unix.Sockaddr, int, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	if ip6 := addr.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip6)
		return sa, unix.AF_INET6, nil
	}
	return nil, 0, fmt.Errorf("unsupported address %v", addr)
}

func udpAddrFromSockaddr(sa unix.Sockaddr) *net.UDPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IP(sa.Addr[:]).To16(), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	default:
		return nil
	}
}

func newDatagramSocket(family int) (int, error) {
	sock, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	return sock, nil
}

// udpTransport is a connected non-blocking UDP socket.
type udpTransport struct {
	sock   int
	local  *net.UDPAddr
	remote *net.UDPAddr
}

func dialUDP(remote *net.UDPAddr) (*udpTransport, error) {
	sa, family, err := sockaddrFromUDP(remote)
	if err != nil {
		return nil, err
	}

	sock, err := newDatagramSocket(family)
	if err != nil {
		return nil, err
	}
	if err := unix.Connect(sock, sa); err != nil {
		unix.Close(sock)
		return nil, fmt.Errorf("connect %v: %w", remote, err)
	}

	t := &udpTransport{sock: sock, remote: remote}
	if lsa, err := unix.Getsockname(sock); err == nil {
		t.local = udpAddrFromSockaddr(lsa)
	}
	return t, nil
}

func (t *udpTransport) send(data []byte) error {
	if _, err := unix.Write(t.sock, data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (t *udpTransport) recv(buf []byte) (int, error) {
	n, err := unix.Read(t.sock, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, errWouldBlock
		}
		return 0, fmt.Errorf("recv: %w", err)
	}
	return n, nil
}

func (t *udpTransport) fd() int             { return t.sock }
func (t *udpTransport) close() error        { return unix.Close(t.sock) }
func (t *udpTransport) localAddr() net.Addr { return t.local }
func (t *udpTransport) remoteAddr() net.Addr {
	return t.remote
}

// unixgramTransport is a connected unix-domain datagram socket. Client
// sessions bind a throwaway local path so the peer has somewhere to send
// replies; the path is unlinked on close.
type unixgramTransport struct {
	sock      int
	localPath string
	peerPath  string
}

func dialUnixgram(peerPath, localPath string) (*unixgramTransport, error) {
	sock, err := newDatagramSocket(unix.AF_UNIX)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(sock, &unix.SockaddrUnix{Name: localPath}); err != nil {
		unix.Close(sock)
		return nil, fmt.Errorf("bind %s: %w", localPath, err)
	}
	if err := unix.Connect(sock, &unix.SockaddrUnix{Name: peerPath}); err != nil {
		unix.Close(sock)
		os.Remove(localPath)
		return nil, fmt.Errorf("connect %s: %w", peerPath, err)
	}
	return &unixgramTransport{sock: sock, localPath: localPath, peerPath: peerPath}, nil
}

func (t *unixgramTransport) send(data []byte) error {
	if _, err := unix.Write(t.sock, data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (t *unixgramTransport) recv(buf []byte) (int, error) {
	n, err := unix.Read(t.sock, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, errWouldBlock
		}
		return 0, fmt.Errorf("recv: %w", err)
	}
	return n, nil
}

func (t *unixgramTransport) fd() int { return t.sock }

func (t *unixgramTransport) close() error {
	err := unix.Close(t.sock)
	os.Remove(t.localPath)
	return err
}

func (t *unixgramTransport) localAddr() net.Addr {
	return &net.UnixAddr{Name: t.localPath, Net: "unixgram"}
}

func (t *unixgramTransport) remoteAddr() net.Addr {
	return &net.UnixAddr{Name: t.peerPath, Net: "unixgram"}
}

// serverTransport sends through the context's shared listener socket to
// one peer. Inbound data for it arrives via the listener read path, so it
// is not separately pollable.
type serverTransport struct {
	sock  int
	local net.Addr
	peer  unix.Sockaddr
	raddr *net.UDPAddr
}

func (t *serverTransport) send(data []byte) error {
	if err := unix.Sendto(t.sock, data, 0, t.peer); err != nil {
		return fmt.Errorf("sendto %v: %w", t.raddr, err)
	}
	return nil
}

func (t *serverTransport) recv(buf []byte) (int, error) {
	return 0, errWouldBlock
}

func (t *serverTransport) fd() int              { return -1 }
func (t *serverTransport) close() error         { return nil }
func (t *serverTransport) localAddr() net.Addr  { return t.local }
func (t *serverTransport) remoteAddr() net.Addr { return t.raddr }

// listenUDP binds a non-blocking UDP socket for the server side.
func listenUDP(addr *net.UDPAddr) (int, error) {
	sa, family, err := sockaddrFromUDP(addr)
	if err != nil {
		return -1, err
	}

	sock, err := newDatagramSocket(family)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(sock, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(sock)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(sock, sa); err != nil {
		unix.Close(sock)
		return -1, fmt.Errorf("bind %v: %w", addr, err)
	}
	return sock, nil
}

// boundUDPAddr reports the actual local address of a bound socket,
// resolving port 0 binds.
func boundUDPAddr(sock int) *net.UDPAddr {
	sa, err := unix.Getsockname(sock)
	if err != nil {
		return nil
	}
	return udpAddrFromSockaddr(sa)
}
