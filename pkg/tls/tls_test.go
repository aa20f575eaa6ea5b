// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCerts struct {
	caFile     string
	serverCert string
	serverKey  string
	client     tls.Certificate
	roots      *x509.CertPool
}

func writePEM(t *testing.T, path, typ string, der []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, pem.Encode(f, &pem.Block{Type: typ, Bytes: der}))
}

func issue(t *testing.T, tmpl, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	if parent == nil {
		parent, parentKey = tmpl, key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	require.NoError(t, err)
	return key, der
}

func generateCerts(t *testing.T) testCerts {
	t.Helper()
	dir := t.TempDir()
	now := time.Now()

	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             now,
		NotAfter:              now.Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caKey, caDER := issue(t, caTmpl, nil, nil)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	serverKey, serverDER := issue(t, &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    now,
		NotAfter:     now.Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}, caCert, caKey)

	clientKey, clientDER := issue(t, &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "robot-1"},
		NotBefore:    now,
		NotAfter:     now.Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, caCert, caKey)

	certs := testCerts{
		caFile:     filepath.Join(dir, "ca.crt"),
		serverCert: filepath.Join(dir, "server.crt"),
		serverKey:  filepath.Join(dir, "server.key"),
		roots:      x509.NewCertPool(),
	}
	writePEM(t, certs.caFile, "CERTIFICATE", caDER)
	writePEM(t, certs.serverCert, "CERTIFICATE", serverDER)
	keyDER, err := x509.MarshalECPrivateKey(serverKey)
	require.NoError(t, err)
	writePEM(t, certs.serverKey, "EC PRIVATE KEY", keyDER)

	certs.roots.AddCert(caCert)
	certs.client = tls.Certificate{Certificate: [][]byte{clientDER}, PrivateKey: clientKey}
	return certs
}

func handshake(t *testing.T, server *tls.Config, client *tls.Config) error {
	t.Helper()
	sc, cc := net.Pipe()
	defer sc.Close()
	defer cc.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- tls.Server(sc, server).Handshake()
	}()
	clientErr := tls.Client(cc, client).Handshake()
	serverErr := <-errCh
	if serverErr != nil {
		return serverErr
	}
	return clientErr
}

func TestLoadWithoutCertificate(t *testing.T) {
	cfg, err := Load(Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
	assert.Equal(t, "no TLS", SecurityStatus(cfg))
}

func TestLoadServerOnly(t *testing.T) {
	certs := generateCerts(t)
	cfg, err := Load(Config{CertFile: certs.serverCert, KeyFile: certs.serverKey})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "TLS", SecurityStatus(cfg))

	err = handshake(t, cfg, &tls.Config{RootCAs: certs.roots, ServerName: "localhost"})
	assert.NoError(t, err)
}

func TestLoadRequireClientCert(t *testing.T) {
	certs := generateCerts(t)
	cfg, err := Load(Config{
		CertFile:   certs.serverCert,
		KeyFile:    certs.serverKey,
		CAFile:     certs.caFile,
		ClientAuth: ClientAuthRequire,
	})
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)

	err = handshake(t, cfg, &tls.Config{
		RootCAs:      certs.roots,
		ServerName:   "localhost",
		Certificates: []tls.Certificate{certs.client},
	})
	assert.NoError(t, err)

	err = handshake(t, cfg, &tls.Config{RootCAs: certs.roots, ServerName: "localhost"})
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	certs := generateCerts(t)

	_, err := Load(Config{CertFile: "missing.crt", KeyFile: "missing.key"})
	assert.ErrorIs(t, err, errLoadCerts)

	_, err = Load(Config{CertFile: certs.serverCert, KeyFile: certs.serverKey, ClientAuth: "maybe"})
	assert.ErrorIs(t, err, errClientAuthMode)

	_, err = Load(Config{CertFile: certs.serverCert, KeyFile: certs.serverKey, ClientAuth: ClientAuthRequest})
	assert.ErrorIs(t, err, errMissingCA)
}
