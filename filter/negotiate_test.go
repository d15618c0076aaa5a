// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package filter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferProtocol(t *testing.T) {
	tests := []struct {
		ids  []ID
		want Protocol
	}{
		{nil, ProtocolClear},
		{[]ID{IDIdentity, IDXor}, ProtocolClear},
		{[]ID{IDZstd}, ProtocolCompression},
		{[]ID{IDS2, IDIdentity}, ProtocolCompression},
		{[]ID{IDZlibStateless, IDTLS}, ProtocolSSL},
		{[]ID{IDSchannel}, ProtocolSSL},
		{[]ID{IDPSK, IDZstd}, ProtocolSSL},
		{[]ID{IDNTLM, IDTLS}, ProtocolNTLM},
		{[]ID{IDKerberos}, ProtocolKerberos},
		{[]ID{IDZstd, IDNegotiate}, ProtocolNegotiate},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InferProtocol(tt.ids), "%v", tt.ids)
	}
}

func TestNegotiator(t *testing.T) {
	reg := NewRegistry()
	n := NewNegotiator(reg, RoleServer, ProtocolClear, ProtocolCompression)

	filters, proto, status := n.Negotiate([]ID{IDZstd, IDIdentity})
	require.Equal(t, StatusOK, status)
	require.Equal(t, ProtocolCompression, proto)
	require.Equal(t, []ID{IDZstd, IDIdentity}, IDs(filters))
	require.NoError(t, closeFilters(filters))

	_, _, status = n.Negotiate([]ID{IDKerberos})
	require.Equal(t, StatusUnknownFilter, status)

	RegisterPSK(reg, make([]byte, 32))
	_, proto, status = n.Negotiate([]ID{IDPSK})
	require.Equal(t, StatusProtocolNotSupported, status)
	require.Equal(t, ProtocolSSL, proto)

	n.Lock()
	require.True(t, n.Locked())
	_, _, status = n.Negotiate([]ID{IDIdentity})
	require.Equal(t, StatusFiltersLocked, status)
	require.ErrorIs(t, status.Err(), ErrFiltersLocked)
}

func TestNegotiatorAllowsEverythingByDefault(t *testing.T) {
	reg := NewRegistry()
	RegisterPSK(reg, make([]byte, 16))
	n := NewNegotiator(reg, RoleClient)
	_, proto, status := n.Negotiate([]ID{IDPSK})
	require.Equal(t, StatusOK, status)
	require.Equal(t, ProtocolSSL, proto)
}

func TestRegistryBuildReleasesOnFailure(t *testing.T) {
	reg := NewRegistry()
	closed := 0
	reg.Register(IDNTLM, func(Role) (Filter, error) {
		return &closingFilter{closed: &closed}, nil
	})
	reg.Register(IDKerberos, func(Role) (Filter, error) {
		return nil, errors.New("no ticket")
	})

	_, err := reg.Build([]ID{IDNTLM, IDNTLM, IDKerberos}, RoleClient)
	require.Error(t, err)
	require.Equal(t, 2, closed)
}

type closingFilter struct {
	Identity
	closed *int
}

func (c *closingFilter) Close() error {
	*c.closed++
	return nil
}

func TestPending(t *testing.T) {
	var p Pending
	_, ok := p.Take()
	require.False(t, ok)

	closed := 0
	p.Propose([]Filter{&closingFilter{closed: &closed}})
	require.False(t, p.Armed())
	_, ok = p.Take()
	require.False(t, ok, "a proposal is not taken before it is armed")

	next := NewXor(3)
	p.Propose([]Filter{next})
	require.Equal(t, 1, closed, "a replaced proposal is released")

	p.CommitOnNextFlush()
	require.True(t, p.Armed())
	got, ok := p.Take()
	require.True(t, ok)
	require.Equal(t, []Filter{next}, got)
	require.False(t, p.Armed())

	p.CommitOnNextFlush()
	require.False(t, p.Armed(), "nothing proposed, nothing armed")
}

func TestNegotiationEncoding(t *testing.T) {
	ids := []ID{IDZstd, IDTLS, IDHTTPFrame}
	got, err := DecodeRequest(EncodeRequest(ids))
	require.NoError(t, err)
	require.Equal(t, ids, got)

	got, err = DecodeRequest(EncodeRequest(nil))
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = DecodeRequest([]byte{0, 0, 0, 2, 0, 0, 0, 1})
	require.ErrorIs(t, err, ErrBadNegotiation)
	_, err = DecodeRequest([]byte{0})
	require.ErrorIs(t, err, ErrBadNegotiation)

	s, err := DecodeStatus(EncodeStatus(StatusProtocolNotSupported))
	require.NoError(t, err)
	require.Equal(t, StatusProtocolNotSupported, s)
	require.ErrorIs(t, s.Err(), ErrProtocolNotSupported)
	require.NoError(t, StatusOK.Err())
}

func TestParseNames(t *testing.T) {
	id, err := ParseID("zstd")
	require.NoError(t, err)
	require.Equal(t, IDZstd, id)
	_, err = ParseID("rot13")
	require.Error(t, err)

	p, err := ParseProtocol("compression")
	require.NoError(t, err)
	require.Equal(t, ProtocolCompression, p)

	w, err := ParseWireProtocol("HTTPS")
	require.NoError(t, err)
	require.Equal(t, WireHTTPS, w)
}
