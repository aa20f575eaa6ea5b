// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls builds server TLS configurations for the socket and gRPC
// listeners.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var (
	errLoadCerts      = errors.New("failed to load certificates")
	errLoadClientCA   = errors.New("failed to load client CA")
	errAppendCA       = errors.New("failed to append client CA")
	errClientAuthMode = errors.New("unknown client auth mode")
	errMissingCA      = errors.New("client auth requires a CA file")
)

// Client certificate modes.
const (
	ClientAuthNone    = "none"
	ClientAuthRequest = "request"
	ClientAuthRequire = "require"
)

// Config names the key material of a listener.
type Config struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	ClientAuth string
}

// Load returns a server TLS configuration, or nil when no certificate is
// configured.
func Load(c Config) (*tls.Config, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, nil
	}

	certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.Join(errLoadCerts, err)
	}

	config := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{certificate},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		},
	}

	switch c.ClientAuth {
	case "", ClientAuthNone:
		return config, nil
	case ClientAuthRequest:
		config.ClientAuth = tls.VerifyClientCertIfGiven
	case ClientAuthRequire:
		config.ClientAuth = tls.RequireAndVerifyClientCert
	default:
		return nil, fmt.Errorf("%w: %q", errClientAuthMode, c.ClientAuth)
	}

	if c.CAFile == "" {
		return nil, errMissingCA
	}
	ca, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, errors.Join(errLoadClientCA, err)
	}
	config.ClientCAs = x509.NewCertPool()
	if !config.ClientCAs.AppendCertsFromPEM(ca) {
		return nil, errAppendCA
	}
	return config, nil
}

// SecurityStatus describes c for startup logs.
func SecurityStatus(c *tls.Config) string {
	if c == nil {
		return "no TLS"
	}
	ret := "TLS"
	if len(c.Certificates) == 0 {
		ret = "no server certificates"
	}
	if c.ClientCAs != nil {
		ret += " and " + c.ClientAuth.String()
	}
	return ret
}
