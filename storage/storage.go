// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage groups the persistent backends used by the server.
package storage

import (
	"github.com/absmach/flowgate/blob"
	"github.com/absmach/flowgate/workitem"
)

// Store is the composite storage interface providing access to all storage backends.
type Store interface {
	// Workitems returns the workitem queue store.
	Workitems() workitem.Store

	// Blobs returns the binary object store.
	Blobs() blob.Store

	// Close closes all storage backends.
	Close() error
}
