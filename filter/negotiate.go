// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package filter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownFilter        = errors.New("filter: unknown filter")
	ErrProtocolNotSupported = errors.New("filter: transport protocol not allowed")
	ErrFiltersLocked        = errors.New("filter: filter chain is locked")
	ErrBadNegotiation       = errors.New("filter: malformed negotiation message")
)

// Status is the result code of a negotiation request.
type Status uint32

const (
	StatusOK Status = iota
	StatusUnknownFilter
	StatusProtocolNotSupported
	StatusFiltersLocked
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnknownFilter:
		return "unknown filter"
	case StatusProtocolNotSupported:
		return "protocol not supported"
	case StatusFiltersLocked:
		return "filters locked"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Err maps a status to its sentinel error, nil for StatusOK.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusUnknownFilter:
		return ErrUnknownFilter
	case StatusProtocolNotSupported:
		return ErrProtocolNotSupported
	case StatusFiltersLocked:
		return ErrFiltersLocked
	default:
		return fmt.Errorf("%w: status %d", ErrBadNegotiation, uint32(s))
	}
}

// Protocol is the transport protocol implied by a set of filters.
type Protocol int

const (
	ProtocolClear Protocol = iota
	ProtocolCompression
	ProtocolNTLM
	ProtocolKerberos
	ProtocolNegotiate
	ProtocolSSL
)

var protocolNames = map[Protocol]string{
	ProtocolClear:       "clear",
	ProtocolCompression: "compression",
	ProtocolNTLM:        "ntlm",
	ProtocolKerberos:    "kerberos",
	ProtocolNegotiate:   "negotiate",
	ProtocolSSL:         "ssl",
}

func (p Protocol) String() string {
	if s, ok := protocolNames[p]; ok {
		return s
	}
	return fmt.Sprintf("protocol(%d)", int(p))
}

// ParseProtocol resolves a protocol name as printed by Protocol.String.
func ParseProtocol(s string) (Protocol, error) {
	for p, name := range protocolNames {
		if name == s {
			return p, nil
		}
	}
	return ProtocolClear, fmt.Errorf("filter: unknown transport protocol %q", s)
}

// InferProtocol derives the transport protocol from filter IDs. The first
// security filter decides; otherwise any compression filter makes the
// protocol compression-only. A pre-shared key counts as SSL.
func InferProtocol(ids []ID) Protocol {
	compressed := false
	for _, id := range ids {
		switch id {
		case IDTLS, IDSchannel, IDPSK:
			return ProtocolSSL
		case IDNTLM:
			return ProtocolNTLM
		case IDKerberos:
			return ProtocolKerberos
		case IDNegotiate:
			return ProtocolNegotiate
		case IDZlibStateless, IDZlibStateful, IDS2, IDZstd:
			compressed = true
		}
	}
	if compressed {
		return ProtocolCompression
	}
	return ProtocolClear
}

// Negotiator answers transport filter requests for one connection.
type Negotiator struct {
	reg  *Registry
	role Role

	mu      sync.Mutex
	allowed map[Protocol]bool
	locked  bool
}

// NewNegotiator returns a negotiator that accepts the given protocols. With
// no protocols listed every protocol is accepted.
func NewNegotiator(reg *Registry, role Role, allowed ...Protocol) *Negotiator {
	n := &Negotiator{reg: reg, role: role}
	if len(allowed) > 0 {
		n.allowed = make(map[Protocol]bool, len(allowed))
		for _, p := range allowed {
			n.allowed[p] = true
		}
	}
	return n
}

// Lock makes every later request fail with StatusFiltersLocked.
func (n *Negotiator) Lock() {
	n.mu.Lock()
	n.locked = true
	n.mu.Unlock()
}

// Locked reports whether Lock was called.
func (n *Negotiator) Locked() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.locked
}

// Allowed reports whether p is in the allow-list.
func (n *Negotiator) Allowed(p Protocol) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.allowed == nil || n.allowed[p]
}

// Negotiate resolves ids into fresh filter instances. The filters are only
// returned with StatusOK; the caller owns installing them.
func (n *Negotiator) Negotiate(ids []ID) ([]Filter, Protocol, Status) {
	if n.Locked() {
		return nil, ProtocolClear, StatusFiltersLocked
	}
	for _, id := range ids {
		if !n.reg.Has(id) {
			return nil, ProtocolClear, StatusUnknownFilter
		}
	}
	proto := InferProtocol(ids)
	if !n.Allowed(proto) {
		return nil, proto, StatusProtocolNotSupported
	}
	filters, err := n.reg.Build(ids, n.role)
	if err != nil {
		return nil, proto, StatusUnknownFilter
	}
	return filters, proto, StatusOK
}

// Pending holds a proposed set of transport filters until the owner reaches
// a point where swapping chains cannot disturb an in-flight message.
//
// Propose records the filters; CommitOnNextFlush arms the swap; the owner
// calls Take after its next write flush (server) or when idle (client).
type Pending struct {
	mu       sync.Mutex
	filters  []Filter
	proposed bool
	armed    bool
}

// Propose replaces any earlier proposal. Filters of a replaced proposal are
// released.
func (p *Pending) Propose(transport []Filter) {
	p.mu.Lock()
	old := p.filters
	p.filters = transport
	p.proposed = true
	p.armed = false
	p.mu.Unlock()
	_ = closeFilters(old)
}

// CommitOnNextFlush arms the current proposal.
func (p *Pending) CommitOnNextFlush() {
	p.mu.Lock()
	p.armed = p.proposed
	p.mu.Unlock()
}

// Armed reports whether a proposal is waiting for the next flush.
func (p *Pending) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.armed
}

// Take returns an armed proposal and clears it.
func (p *Pending) Take() ([]Filter, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.armed {
		return nil, false
	}
	f := p.filters
	p.filters, p.proposed, p.armed = nil, false, false
	return f, true
}

// Discard drops any proposal and releases its filters.
func (p *Pending) Discard() {
	p.mu.Lock()
	old := p.filters
	p.filters, p.proposed, p.armed = nil, false, false
	p.mu.Unlock()
	_ = closeFilters(old)
}

// EncodeRequest encodes a negotiation request: [count u32][id u32]...
func EncodeRequest(ids []ID) []byte {
	b := make([]byte, 4+4*len(ids))
	binary.BigEndian.PutUint32(b, uint32(len(ids)))
	for i, id := range ids {
		binary.BigEndian.PutUint32(b[4+4*i:], uint32(id))
	}
	return b
}

// DecodeRequest parses a negotiation request.
func DecodeRequest(b []byte) ([]ID, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadNegotiation, len(b))
	}
	count := binary.BigEndian.Uint32(b)
	if uint64(len(b)-4) != 4*uint64(count) {
		return nil, fmt.Errorf("%w: %d ids in %d bytes", ErrBadNegotiation, count, len(b))
	}
	ids := make([]ID, count)
	for i := range ids {
		ids[i] = ID(binary.BigEndian.Uint32(b[4+4*i:]))
	}
	return ids, nil
}

// EncodeStatus encodes a negotiation response.
func EncodeStatus(s Status) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(s))
}

// DecodeStatus parses a negotiation response.
func DecodeStatus(b []byte) (Status, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: status of %d bytes", ErrBadNegotiation, len(b))
	}
	return Status(binary.BigEndian.Uint32(b)), nil
}
