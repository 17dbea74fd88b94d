// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// TLS engine tests.

package core

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"
)

// selfSignedCert builds a throwaway self-signed certificate for name, for
// tests that need a real tls.Certificate without touching the filesystem.
func selfSignedCert(t *testing.T, name string) tls.Certificate {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: tmpl}
}

func buildTestCertIndex(t *testing.T, name string) (*CertIndex, string) {
	idx := newCertIndex()
	entry := &CertEntry{ID: "cert-" + name, TLSCert: selfSignedCert(t, name), Names: []string{name}}
	idx.add(entry)
	return idx, entry.ID
}

func TestHandshakeFrontNegotiatesALPN(t *testing.T) {
	idx, certID := buildTestCertIndex(t, "example.test")
	serverCfg := BuildTLSConfig(idx, certID)

	frontRaw, clientRaw := net.Pipe()
	defer frontRaw.Close()
	defer clientRaw.Close()

	type result struct {
		proto Protocol
		err   error
	}
	done := make(chan result, 1)
	go func() {
		_, proto, err := HandshakeFront(context.Background(), frontRaw, serverCfg, time.Second)
		done <- result{proto, err}
	}()

	clientCfg := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h2", "http/1.1"}}
	clientConn := tls.Client(clientRaw, clientCfg)
	if err := clientConn.HandshakeContext(context.Background()); err != nil {
		t.Fatalf("client Handshake: %v", err)
	}
	defer clientConn.Close()

	res := <-done
	if res.err != nil {
		t.Fatalf("HandshakeFront: %v", res.err)
	}
	if res.proto != ProtoHTTP2 {
		t.Fatalf("HandshakeFront negotiated proto = %v, want ProtoHTTP2 (h2 listed first)", res.proto)
	}
}

func TestHandshakeFrontTimesOut(t *testing.T) {
	idx, certID := buildTestCertIndex(t, "example.test")
	serverCfg := BuildTLSConfig(idx, certID)

	frontRaw, clientRaw := net.Pipe()
	defer frontRaw.Close()
	defer clientRaw.Close()
	// Client deliberately never speaks TLS: HandshakeFront must give up.

	_, _, err := HandshakeFront(context.Background(), frontRaw, serverCfg, 20*time.Millisecond)
	if err == nil {
		t.Fatalf("HandshakeFront against a silent peer: want timeout error, got nil")
	}
	if kind, ok := KindOf(err); !ok || kind != KindTLSHandshakeFailure {
		t.Fatalf("HandshakeFront timeout error kind = %v, want KindTLSHandshakeFailure", kind)
	}
}

func TestBuildTLSConfigSelectsBySNI(t *testing.T) {
	idx, certID := buildTestCertIndex(t, "a.test")
	cfg := BuildTLSConfig(idx, certID)
	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "a.test"})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert.Leaf.Subject.CommonName != "a.test" {
		t.Fatalf("GetCertificate selected %q, want a.test", cert.Leaf.Subject.CommonName)
	}
}
