// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package grpc

import (
	"fmt"

	"connectrpc.com/connect"
	"github.com/absmach/flowgate/envelope"
)

var _ connect.Codec = codec{}

// codec lets connect carry envelopes in protobuf wire encoding without
// generated message types. Decoding goes through envelope.Wire so frame
// limits and checksums apply as on every other transport.
type codec struct {
	wire envelope.Wire
}

func newCodec(wire envelope.Wire) codec {
	wire.Codec = envelope.ProtoCodec{}
	return codec{wire: wire}
}

func (codec) Name() string {
	return "proto"
}

func (c codec) Marshal(v any) ([]byte, error) {
	e, ok := v.(*envelope.Envelope)
	if !ok {
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
	return c.wire.Encode(e)
}

func (c codec) Unmarshal(data []byte, v any) error {
	e, ok := v.(*envelope.Envelope)
	if !ok {
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	decoded, err := c.wire.Decode(data)
	if err != nil {
		return err
	}
	*e = *decoded
	return nil
}
