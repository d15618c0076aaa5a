// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/luxfi/rpcwire/codec"
)

// JSONCodec is a JSON-based codec
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, v)
}

func (JSONCodec) ProtocolID() codec.ProtocolID { return codec.ProtocolJSON }

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

// BinaryCodec passes bytes through unchanged (for pre-encoded data)
type BinaryCodec struct{}

func (BinaryCodec) Encode(v interface{}) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	if b, ok := v.(*[]byte); ok {
		return *b, nil
	}
	return JSONCodec{}.Encode(v)
}

func (BinaryCodec) Decode(data []byte, v interface{}) error {
	if b, ok := v.(*[]byte); ok {
		*b = data
		return nil
	}
	return JSONCodec{}.Decode(data, v)
}

// Binary is a codec that passes bytes through unchanged
var Binary Codec = BinaryCodec{}

// ProtocolCodec encodes with one of the registered codec protocols. The
// wire transport tells the server which one, so reflectively registered
// services decode arguments the way the client encoded them.
type ProtocolCodec struct {
	ID codec.ProtocolID
}

// NewProtocolCodec returns the codec for the protocol registered as name.
func NewProtocolCodec(name string) (ProtocolCodec, error) {
	p, ok := codec.ByName(name)
	if !ok {
		return ProtocolCodec{}, fmt.Errorf("unknown codec protocol %q", name)
	}
	return ProtocolCodec{ID: p.ID()}, nil
}

func (c ProtocolCodec) Encode(v interface{}) ([]byte, error) {
	p, ok := codec.Lookup(c.ID)
	if !ok {
		return nil, fmt.Errorf("unknown codec protocol %d", c.ID)
	}
	return p.Append(nil, v)
}

func (c ProtocolCodec) Decode(data []byte, v interface{}) error {
	p, ok := codec.Lookup(c.ID)
	if !ok {
		return fmt.Errorf("unknown codec protocol %d", c.ID)
	}
	return p.Decode(data, v)
}

func (c ProtocolCodec) ProtocolID() codec.ProtocolID { return c.ID }

// protocolOf returns the codec protocol c encodes with, JSON if c does not
// say.
func protocolOf(c Codec) codec.ProtocolID {
	if p, ok := c.(interface{ ProtocolID() codec.ProtocolID }); ok {
		return p.ProtocolID()
	}
	return codec.ProtocolJSON
}
