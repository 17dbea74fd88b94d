// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// TLS engine (spec §4.3): SNI-driven certificate selection, ALPN
// negotiation between h2 and http/1.1, and a dedicated handshake timeout.
// The engine operates on the already-captured Snapshot's CertIndex, never
// touching the Registry directly, so a certificate removed mid-handshake
// cannot yank the cert out from under a ClientHello that already started
// selecting it (spec §9 open question: resolved by snapshot capture at
// admission, before the handshake even begins).

package core

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// DefaultHandshakeTimeout is spec §4.3's 10s default.
const DefaultHandshakeTimeout = 10 * time.Second

// BuildTLSConfig constructs the *tls.Config a Listener's gate uses for
// every ClientHello on that listener's current Snapshot.
func BuildTLSConfig(certs *CertIndex, defaultCertID string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
		NextProtos: append([]string(nil), ALPNProtocols...),
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			return certs.Select(hello.ServerName, defaultCertID)
		},
	}
}

// HandshakeFront performs the front-side TLS handshake within timeout and
// returns the Protocol ALPN bound for the Session's lifetime.
func HandshakeFront(ctx context.Context, raw net.Conn, cfg *tls.Config, timeout time.Duration) (*tls.Conn, Protocol, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	if err := raw.SetDeadline(deadline); err != nil {
		return nil, 0, newError(KindTLSHandshakeFailure, "tls.Handshake", err)
	}
	defer raw.SetDeadline(time.Time{})

	tconn := tls.Server(raw, cfg)
	if err := tconn.HandshakeContext(ctx); err != nil {
		return nil, 0, newError(KindTLSHandshakeFailure, "tls.Handshake", err)
	}
	proto := ProtoHTTP1
	if tconn.ConnectionState().NegotiatedProtocol == "h2" {
		proto = ProtoHTTP2
	}
	return tconn, proto, nil
}
