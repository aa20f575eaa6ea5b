// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// Configuration errors.
	ErrNoAddress = errors.New("no server address configured")

	// Connection errors.
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrConnectFailed    = errors.New("connection failed")
	ErrSigninRejected   = errors.New("signin rejected by server")

	// Operation errors.
	ErrTimeout        = errors.New("operation timed out")
	ErrConnectionLost = errors.New("connection lost")
	ErrClientClosed   = errors.New("client has been closed")
	ErrNoHandler      = errors.New("no queue message handler registered")
)
