// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package codec binds message bodies to a wire encoding and assembles
// outgoing messages from serialized fields plus spliced, uncopied buffers.
package codec

import (
	"fmt"
	"sort"
	"sync"
)

// ProtocolID selects a wire encoding.
type ProtocolID uint8

const (
	ProtocolJSON     ProtocolID = 1
	ProtocolMsgpack  ProtocolID = 2
	ProtocolCBOR     ProtocolID = 3
	ProtocolBencode  ProtocolID = 4
	ProtocolProtobuf ProtocolID = 5
)

// Protocol encodes single values.
type Protocol interface {
	ID() ProtocolID
	Name() string

	// Append appends the encoding of v to dst.
	Append(dst []byte, v any) ([]byte, error)
	Decode(src []byte, v any) error
}

var (
	protocolsMu sync.RWMutex
	protocols   = map[ProtocolID]Protocol{}
)

// Register makes p available under its ID, replacing any previous
// registration.
func Register(p Protocol) {
	protocolsMu.Lock()
	defer protocolsMu.Unlock()
	protocols[p.ID()] = p
}

// Lookup returns the protocol registered under id.
func Lookup(id ProtocolID) (Protocol, bool) {
	protocolsMu.RLock()
	defer protocolsMu.RUnlock()
	p, ok := protocols[id]
	return p, ok
}

// ByName returns the protocol registered under name.
func ByName(name string) (Protocol, bool) {
	protocolsMu.RLock()
	defer protocolsMu.RUnlock()
	for _, p := range protocols {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// Available returns the registered protocol IDs in ascending order.
func Available() []ProtocolID {
	protocolsMu.RLock()
	defer protocolsMu.RUnlock()
	ids := make([]ProtocolID, 0, len(protocols))
	for id := range protocols {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// mustLookup panics on an unknown id: selecting an unregistered encoding is
// a configuration error.
func mustLookup(id ProtocolID) Protocol {
	p, ok := Lookup(id)
	if !ok {
		panic(fmt.Sprintf("codec: unknown protocol id %d", id))
	}
	return p
}
