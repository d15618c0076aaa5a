// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package codec

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	ugorji "github.com/ugorji/go/codec"
	"github.com/zeebo/bencode"
	"google.golang.org/protobuf/proto"
)

func init() {
	Register(jsonProtocol{api: jsoniter.ConfigCompatibleWithStandardLibrary})
	Register(newUgorji(ProtocolMsgpack, "msgpack", &ugorji.MsgpackHandle{WriteExt: true}))
	Register(newUgorji(ProtocolCBOR, "cbor", &ugorji.CborHandle{}))
	Register(bencodeProtocol{})
	Register(protobufProtocol{})
}

type jsonProtocol struct{ api jsoniter.API }

func (jsonProtocol) ID() ProtocolID { return ProtocolJSON }
func (jsonProtocol) Name() string   { return "json" }

func (p jsonProtocol) Append(dst []byte, v any) ([]byte, error) {
	b, err := p.api.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(dst, b...), nil
}

func (p jsonProtocol) Decode(src []byte, v any) error {
	return p.api.Unmarshal(src, v)
}

type ugorjiProtocol struct {
	id   ProtocolID
	name string
	h    ugorji.Handle
}

func newUgorji(id ProtocolID, name string, h ugorji.Handle) ugorjiProtocol {
	return ugorjiProtocol{id: id, name: name, h: h}
}

func (p ugorjiProtocol) ID() ProtocolID { return p.id }
func (p ugorjiProtocol) Name() string   { return p.name }

func (p ugorjiProtocol) Append(dst []byte, v any) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	if err := ugorji.NewEncoder(buf, p.h).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p ugorjiProtocol) Decode(src []byte, v any) error {
	return ugorji.NewDecoderBytes(src, p.h).Decode(v)
}

type bencodeProtocol struct{}

func (bencodeProtocol) ID() ProtocolID { return ProtocolBencode }
func (bencodeProtocol) Name() string   { return "bencode" }

func (bencodeProtocol) Append(dst []byte, v any) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	if err := bencode.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (bencodeProtocol) Decode(src []byte, v any) error {
	return bencode.DecodeBytes(src, v)
}

type protobufProtocol struct{}

func (protobufProtocol) ID() ProtocolID { return ProtocolProtobuf }
func (protobufProtocol) Name() string   { return "protobuf" }

func (protobufProtocol) Append(dst []byte, v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("codec: protobuf cannot encode %T", v)
	}
	return proto.MarshalOptions{}.MarshalAppend(dst, m)
}

func (protobufProtocol) Decode(src []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("codec: protobuf cannot decode into %T", v)
	}
	return proto.Unmarshal(src, m)
}
