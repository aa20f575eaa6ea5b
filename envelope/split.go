// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package envelope

// Split cuts e into envelopes of at most chunkSize payload bytes sharing
// e's ID. Index and Count are set on every chunk. A payload that fits is
// returned as a single envelope with Count 1.
func Split(e *Envelope, chunkSize int) []*Envelope {
	if chunkSize <= 0 || len(e.Data) <= chunkSize {
		c := e.Clone()
		c.Index = 0
		c.Count = 1
		return []*Envelope{c}
	}

	count := (len(e.Data) + chunkSize - 1) / chunkSize
	chunks := make([]*Envelope, 0, count)
	for i := 0; i < count; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(e.Data) {
			end = len(e.Data)
		}
		c := e.Clone()
		c.Index = i
		c.Count = count
		c.Data = e.Data[start:end]
		c.Hash = ""
		chunks = append(chunks, c)
	}
	return chunks
}
