// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/encoding/protowire"
)

// Codec names.
const (
	CodecJSON    = "json"
	CodecProto   = "proto"
	CodecMsgpack = "msgpack"
)

// Codec serializes envelopes independent of the transport.
type Codec interface {
	Name() string
	Marshal(e *Envelope) ([]byte, error)
	Unmarshal(data []byte, e *Envelope) error
}

// CodecByName resolves a codec by its configured name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecProto:
		return ProtoCodec{}, nil
	case CodecMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// JSONCodec encodes envelopes as JSON objects. Payload bytes are base64.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) Marshal(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func (JSONCodec) Unmarshal(data []byte, e *Envelope) error {
	return json.Unmarshal(data, e)
}

// MsgpackCodec encodes envelopes with MessagePack.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return CodecMsgpack }

func (MsgpackCodec) Marshal(e *Envelope) ([]byte, error) {
	return msgpack.Marshal(e)
}

func (MsgpackCodec) Unmarshal(data []byte, e *Envelope) error {
	return msgpack.Unmarshal(data, e)
}

// Protobuf field numbers of the envelope message.
const (
	fieldID         protowire.Number = 1
	fieldReplyTo    protowire.Number = 2
	fieldCommand    protowire.Number = 3
	fieldSeq        protowire.Number = 4
	fieldHash       protowire.Number = 5
	fieldIndex      protowire.Number = 6
	fieldCount      protowire.Number = 7
	fieldCompressed protowire.Number = 8
	fieldData       protowire.Number = 9
)

// ProtoCodec encodes envelopes in protobuf wire format:
//
//	message Envelope {
//	  string id = 1; string rid = 2; string command = 3; int64 seq = 4;
//	  string hash = 5; int32 index = 6; int32 count = 7; bool compressed = 8;
//	  bytes data = 9;
//	}
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return CodecProto }

func (ProtoCodec) Marshal(e *Envelope) ([]byte, error) {
	b := make([]byte, 0, 64+len(e.Data))
	b = appendString(b, fieldID, e.ID)
	b = appendString(b, fieldReplyTo, e.ReplyTo)
	b = appendString(b, fieldCommand, e.Command)
	b = appendVarint(b, fieldSeq, uint64(e.Seq))
	b = appendString(b, fieldHash, e.Hash)
	b = appendVarint(b, fieldIndex, uint64(int64(e.Index)))
	b = appendVarint(b, fieldCount, uint64(int64(e.Count)))
	if e.Compressed {
		b = appendVarint(b, fieldCompressed, 1)
	}
	if len(e.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Data)
	}
	return b, nil
}

func (ProtoCodec) Unmarshal(data []byte, e *Envelope) error {
	*e = Envelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case typ == protowire.BytesType && isStringField(num):
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			setString(e, num, v)
			data = data[n:]
		case typ == protowire.BytesType && num == fieldData:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.Data = append([]byte(nil), v...)
			data = data[n:]
		case typ == protowire.VarintType && isVarintField(num):
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			setVarint(e, num, v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func isStringField(num protowire.Number) bool {
	switch num {
	case fieldID, fieldReplyTo, fieldCommand, fieldHash:
		return true
	}
	return false
}

func isVarintField(num protowire.Number) bool {
	switch num {
	case fieldSeq, fieldIndex, fieldCount, fieldCompressed:
		return true
	}
	return false
}

func setString(e *Envelope, num protowire.Number, v string) {
	switch num {
	case fieldID:
		e.ID = v
	case fieldReplyTo:
		e.ReplyTo = v
	case fieldCommand:
		e.Command = v
	case fieldHash:
		e.Hash = v
	}
}

func setVarint(e *Envelope, num protowire.Number, v uint64) {
	switch num {
	case fieldSeq:
		e.Seq = int64(v)
	case fieldIndex:
		e.Index = int(int32(v))
	case fieldCount:
		e.Count = int(int32(v))
	case fieldCompressed:
		e.Compressed = protowire.DecodeBool(v)
	}
}
