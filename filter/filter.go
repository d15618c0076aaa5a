// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package filter implements the bidirectional transform stages that sit
// between an application message and the raw connection.
//
// Requests flow down a chain (application towards the wire) through Read and
// Write. Completions flow up (wire towards the application) through
// OnReadCompleted and OnWriteCompleted. A stage may forward a call
// immediately, or hold it and resume from its own completion handler, which
// is how block-oriented transforms buffer partial input.
package filter

import (
	"fmt"

	"github.com/luxfi/rpcwire/buffer"
)

// ID identifies a filter kind on the wire during negotiation.
type ID int

const (
	IDUnknown       ID = 0
	IDIdentity      ID = 1
	IDTLS           ID = 2
	IDZlibStateless ID = 3
	IDZlibStateful  ID = 4
	IDNTLM          ID = 5
	IDKerberos      ID = 6
	IDNegotiate     ID = 7
	IDSchannel      ID = 8
	IDHTTPFrame     ID = 9
	IDS2            ID = 10
	IDZstd          ID = 11
	IDPSK           ID = 12
	IDXor           ID = 101
)

var idNames = map[ID]string{
	IDUnknown:       "unknown",
	IDIdentity:      "identity",
	IDTLS:           "tls",
	IDZlibStateless: "zlib-stateless",
	IDZlibStateful:  "zlib-stateful",
	IDNTLM:          "ntlm",
	IDKerberos:      "kerberos",
	IDNegotiate:     "negotiate",
	IDSchannel:      "schannel",
	IDHTTPFrame:     "http-frame",
	IDS2:            "s2",
	IDZstd:          "zstd",
	IDPSK:           "psk",
	IDXor:           "xor",
}

func (id ID) String() string {
	if s, ok := idNames[id]; ok {
		return s
	}
	return fmt.Sprintf("filter(%d)", int(id))
}

// ParseID resolves a filter name as printed by ID.String.
func ParseID(s string) (ID, error) {
	for id, name := range idNames {
		if name == s {
			return id, nil
		}
	}
	return IDUnknown, fmt.Errorf("filter: unknown filter name %q", s)
}

// Role tells a factory which end of the connection it is building for.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Stage is one hop of a chain. Read and Write travel towards the wire; the
// completion callbacks travel towards the application.
//
// Read asks for up to n bytes. buf, when large enough, is where the caller
// would like them placed, but a stage may complete with a different buffer.
// A zero-length read completes once at least one byte can be read.
type Stage interface {
	Read(buf buffer.Buffer, n int)
	Write(bufs []buffer.Buffer)
	OnReadCompleted(buf buffer.Buffer, err error)
	OnWriteCompleted(n int, err error)
}

// Filter is a Stage that can be linked into a chain.
type Filter interface {
	Stage

	ID() ID

	// FrameSize reports the total length of the frame currently being read,
	// or zero if the filter does not frame messages itself.
	FrameSize() int

	SetPrev(Stage)
	SetNext(Stage)
}

// Base carries the links of a filter. Embed it and override what the filter
// transforms; the defaults pass everything through untouched.
type Base struct {
	prev Stage
	next Stage
}

func (b *Base) SetPrev(s Stage) { b.prev = s }
func (b *Base) SetNext(s Stage) { b.next = s }

// Prev returns the stage towards the application.
func (b *Base) Prev() Stage { return b.prev }

// Next returns the stage towards the wire.
func (b *Base) Next() Stage { return b.next }

func (b *Base) FrameSize() int { return 0 }

func (b *Base) Read(buf buffer.Buffer, n int)                { b.next.Read(buf, n) }
func (b *Base) Write(bufs []buffer.Buffer)                   { b.next.Write(bufs) }
func (b *Base) OnReadCompleted(buf buffer.Buffer, err error) { b.prev.OnReadCompleted(buf, err) }
func (b *Base) OnWriteCompleted(n int, err error)            { b.prev.OnWriteCompleted(n, err) }

// IDs returns the identifiers of filters in order.
func IDs(filters []Filter) []ID {
	ids := make([]ID, len(filters))
	for i, f := range filters {
		ids[i] = f.ID()
	}
	return ids
}
