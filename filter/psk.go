// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package filter

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	ErrShortKey  = errors.New("filter: pre-shared key shorter than 16 bytes")
	ErrBadBlock  = errors.New("filter: block authentication failed")
	ErrBadSeqNum = errors.New("filter: block out of sequence")
)

const (
	pskInfoClient = "rpcwire psk client->server"
	pskInfoServer = "rpcwire psk server->client"
	nonceSize     = 24
	seqSize       = 8
)

// RegisterPSK installs the pre-shared key filter.
func RegisterPSK(r *Registry, key []byte) {
	k := append([]byte(nil), key...)
	r.Register(IDPSK, func(role Role) (Filter, error) {
		return NewPSK(k, role)
	})
}

// NewPSK returns a filter that seals every block with a key derived from
// psk for each direction.
func NewPSK(psk []byte, role Role) (*Block, error) {
	c, err := newPSKCodec(psk, role)
	if err != nil {
		return nil, err
	}
	return NewBlock(IDPSK, c, DefaultMaxBlock), nil
}

// pskCodec seals blocks as [nonce][secretbox(seq || plain)]. The sequence
// number rejects replayed or reordered blocks within one connection.
type pskCodec struct {
	send, recv       [32]byte
	sendSeq, recvSeq uint64
}

func newPSKCodec(psk []byte, role Role) (*pskCodec, error) {
	if len(psk) < 16 {
		return nil, ErrShortKey
	}
	c := &pskCodec{}
	sendInfo, recvInfo := pskInfoClient, pskInfoServer
	if role == RoleServer {
		sendInfo, recvInfo = recvInfo, sendInfo
	}
	if err := derive(c.send[:], psk, sendInfo); err != nil {
		return nil, err
	}
	if err := derive(c.recv[:], psk, recvInfo); err != nil {
		return nil, err
	}
	return c, nil
}

func derive(out, psk []byte, info string) error {
	r := hkdf.New(sha256.New, psk, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("error deriving key: %w", err)
	}
	return nil
}

func (c *pskCodec) Seal(dst, src []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	msg := make([]byte, seqSize+len(src))
	binary.BigEndian.PutUint64(msg, c.sendSeq)
	copy(msg[seqSize:], src)
	c.sendSeq++

	dst = append(dst, nonce[:]...)
	return secretbox.Seal(dst, msg, &nonce, &c.send), nil
}

func (c *pskCodec) Open(dst, src []byte) ([]byte, error) {
	if len(src) < nonceSize+secretbox.Overhead+seqSize {
		return nil, ErrBadBlock
	}
	var nonce [nonceSize]byte
	copy(nonce[:], src)
	msg, ok := secretbox.Open(nil, src[nonceSize:], &nonce, &c.recv)
	if !ok {
		return nil, ErrBadBlock
	}
	if seq := binary.BigEndian.Uint64(msg); seq != c.recvSeq {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadSeqNum, seq, c.recvSeq)
	}
	c.recvSeq++
	return append(dst, msg[seqSize:]...), nil
}
