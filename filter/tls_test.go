// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package filter

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/rpcwire/buffer"
)

func testTLSConfigs(t *testing.T) (client, server *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	server = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
	client = &tls.Config{RootCAs: pool, ServerName: "localhost", MinVersion: tls.VersionTLS12}
	return client, server
}

func TestTLSBridgeRoundTrip(t *testing.T) {
	clientCfg, serverCfg := testTLSConfigs(t)
	reg := NewRegistry()
	RegisterTLS(reg, clientCfg, serverCfg)

	client, err := reg.New(IDTLS, RoleClient)
	require.NoError(t, err)
	server, err := reg.New(IDSchannel, RoleServer)
	require.NoError(t, err)
	require.Equal(t, IDTLS, server.ID(), "schannel resolves to the tls backend")

	a, b := newEndpoints(t, 100, WireTCP, []Filter{client}, []Filter{server})

	type result struct {
		data []byte
		err  error
	}
	got := make(chan result, 1)
	go func() {
		data, err := readFull(b.chain, b.sink, 11)
		got <- result{data, err}
	}()

	require.NoError(t, writeAll(a.chain, a.sink, []byte("hello world")))
	r := <-got
	require.NoError(t, r.err)
	require.Equal(t, "hello world", string(r.data))

	// A probe on the client completes once the reply is readable, and the
	// byte it consumed is returned by the next read.
	require.NoError(t, writeAll(b.chain, b.sink, []byte("pong")))
	a.chain.Read(buffer.Buffer{}, 0)
	res := <-a.sink.reads
	require.NoError(t, res.err)
	require.True(t, res.buf.IsEmpty())
	data, err := readFull(a.chain, a.sink, 4)
	require.NoError(t, err)
	require.Equal(t, "pong", string(data))
}

func TestTLSBackendMissingConfig(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.New(IDTLS, RoleClient)
	require.ErrorIs(t, err, ErrUnknownFilter)

	RegisterTLS(reg, nil, nil)
	_, err = reg.New(IDTLS, RoleServer)
	require.ErrorIs(t, err, ErrNoTLSConfig)
}
