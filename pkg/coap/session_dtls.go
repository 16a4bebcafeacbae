// Copyright (c) coapmux contributors
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/pion/dtls/v3"

	"github.com/coapmux/coapmux/pkg/codec"
)

// dtlsTransport carries one coaps:// session over a pion DTLS
// connection. The handshake runs synchronously in dial; afterwards a
// reader goroutine feeds inbound records back onto the event loop, so
// the transport has no pollable descriptor of its own.
type dtlsTransport struct {
	conn   *dtls.Conn
	packet net.PacketConn
	done   chan struct{}
}

func (s *Session) dialDTLS() (transport, error) {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.ep.host, strconv.Itoa(s.ep.port)))
	if err != nil {
		return nil, err
	}
	pconn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}

	cfg := &dtls.Config{}
	switch {
	case s.psk != nil:
		key := s.psk.Key
		validate := s.validateHint
		cfg.PSK = func(hint []byte) ([]byte, error) {
			if validate != nil {
				if err := validate(hint); err != nil {
					return nil, err
				}
			}
			return key, nil
		}
		cfg.PSKIdentityHint = []byte(s.psk.Identity)
		cfg.CipherSuites = []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8}
	case s.cert != nil:
		cfg.Certificates = []tls.Certificate{*s.cert}
	default:
		pconn.Close()
		return nil, fmt.Errorf("coaps session needs PSK or PKI credentials")
	}
	if s.sni != "" {
		cfg.ServerName = s.sni
	} else {
		cfg.ServerName = s.ep.host
	}

	conn, err := dtls.Client(pconn, raddr, cfg)
	if err != nil {
		pconn.Close()
		s.ctx.nack(s, nil, NackTLSFailed)
		return nil, fmt.Errorf("dtls handshake: %w", err)
	}

	t := &dtlsTransport{conn: conn, packet: pconn, done: make(chan struct{})}
	go s.readDTLS(t)
	return t, nil
}

// readDTLS pumps decrypted records from the DTLS connection onto the
// event loop, keeping all protocol handling on the loop goroutine.
func (s *Session) readDTLS(t *dtlsTransport) {
	buf := make([]byte, codec.MaxMessageSize)
	for {
		n, err := t.conn.Read(buf)
		if err != nil {
			select {
			case <-t.done:
			default:
				s.logger.Warn("dtls read failed", "error", err)
			}
			return
		}
		data := append([]byte(nil), buf[:n]...)
		s.ctx.loop.Submit(func() { s.handleDatagram(data) })
	}
}

func (t *dtlsTransport) send(data []byte) error {
	if _, err := t.conn.Write(data); err != nil {
		return fmt.Errorf("dtls send: %w", err)
	}
	return nil
}

func (t *dtlsTransport) recv(buf []byte) (int, error) {
	return 0, errWouldBlock
}

func (t *dtlsTransport) fd() int { return -1 }

func (t *dtlsTransport) close() error {
	close(t.done)
	return t.conn.Close()
}

func (t *dtlsTransport) localAddr() net.Addr  { return t.conn.LocalAddr() }
func (t *dtlsTransport) remoteAddr() net.Addr { return t.conn.RemoteAddr() }
