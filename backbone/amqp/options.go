// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"crypto/tls"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Default values.
const (
	DefaultAddress          = "localhost:5672"
	DefaultDialTimeout      = 10 * time.Second
	DefaultHeartbeat        = 60 * time.Second
	DefaultReconnectBackoff = 1 * time.Second
	DefaultMaxReconnectWait = 2 * time.Minute
	DefaultPrefetchCount    = 25
	DefaultBreakerFailures  = 5
	DefaultBreakerTimeout   = 30 * time.Second
)

// Options configures the backbone client.
type Options struct {
	// Connection
	URL         string      // Full AMQP URL (overrides Address/Username/Password/Vhost)
	Address     string      // Broker address (host:port)
	Username    string      // Username for PLAIN auth
	Password    string      // Password for PLAIN auth
	Vhost       string      // Virtual host (default "/")
	TLSConfig   *tls.Config // TLS configuration (nil for plain TCP)
	DialTimeout time.Duration
	Heartbeat   time.Duration

	// Channel QoS
	PrefetchCount int // Maximum unacked deliveries
	PrefetchSize  int // Maximum bytes in-flight

	// Reconnection
	AutoReconnect    bool
	ReconnectBackoff time.Duration
	MaxReconnectWait time.Duration

	// Publish circuit breaker
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	Logger *slog.Logger
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Address:          DefaultAddress,
		Username:         "guest",
		Password:         "guest",
		Vhost:            "/",
		DialTimeout:      DefaultDialTimeout,
		Heartbeat:        DefaultHeartbeat,
		PrefetchCount:    DefaultPrefetchCount,
		AutoReconnect:    true,
		ReconnectBackoff: DefaultReconnectBackoff,
		MaxReconnectWait: DefaultMaxReconnectWait,
		BreakerFailures:  DefaultBreakerFailures,
		BreakerTimeout:   DefaultBreakerTimeout,
	}
}

// SetURL sets the full broker URL.
func (o *Options) SetURL(u string) *Options {
	o.URL = u
	return o
}

// SetAddress sets the broker address (host:port).
func (o *Options) SetAddress(addr string) *Options {
	o.Address = addr
	return o
}

// SetCredentials sets username and password.
func (o *Options) SetCredentials(username, password string) *Options {
	o.Username = username
	o.Password = password
	return o
}

// SetPrefetch sets channel prefetch limits.
func (o *Options) SetPrefetch(count, size int) *Options {
	o.PrefetchCount = count
	o.PrefetchSize = size
	return o
}

// SetReconnect configures automatic reconnection.
func (o *Options) SetReconnect(enable bool, backoff, maxWait time.Duration) *Options {
	o.AutoReconnect = enable
	o.ReconnectBackoff = backoff
	o.MaxReconnectWait = maxWait
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// Validate checks the options for errors.
func (o *Options) Validate() error {
	if o.URL == "" && o.Address == "" {
		return ErrNoAddress
	}
	return nil
}

func (o *Options) dialURL() string {
	if o.URL != "" {
		return o.URL
	}

	scheme := "amqp"
	if o.TLSConfig != nil {
		scheme = "amqps"
	}

	vhost := strings.TrimPrefix(o.Vhost, "/")
	u := &url.URL{
		Scheme: scheme,
		Host:   o.Address,
		Path:   "/" + vhost,
	}

	if o.Username != "" {
		u.User = url.UserPassword(o.Username, o.Password)
	}

	return u.String()
}
