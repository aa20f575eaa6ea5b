// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Checksum returns the hex encoded sha256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sign stamps the payload checksum on e.
func (e *Envelope) Sign() {
	if len(e.Data) == 0 {
		e.Hash = ""
		return
	}
	e.Hash = Checksum(e.Data)
}

// Verify checks the payload against the stamped checksum. Envelopes
// without a checksum pass.
func (e *Envelope) Verify() error {
	if e.Hash == "" {
		return nil
	}
	if got := Checksum(e.Data); got != e.Hash {
		return fmt.Errorf("%w: envelope %s expected %s got %s", ErrChecksumMismatch, e.ID, e.Hash, got)
	}
	return nil
}
