// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workitem

import "time"

// SetNow overrides the engine clock in tests.
func (e *Engine) SetNow(now func() time.Time) {
	e.now = now
}
