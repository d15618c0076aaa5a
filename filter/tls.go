// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package filter

import (
	"crypto/tls"
	"errors"
	"net"

	"github.com/ssbc/go-netwrap"
)

var ErrNoTLSConfig = errors.New("filter: no TLS configuration for role")

// TLSWrapper returns the connection wrapper for one end of a TLS session.
func TLSWrapper(cfg *tls.Config, role Role) netwrap.ConnWrapper {
	return func(c net.Conn) (net.Conn, error) {
		if role == RoleServer {
			return tls.Server(c, cfg), nil
		}
		return tls.Client(c, cfg), nil
	}
}

// NewTLS returns a TLS filter.
func NewTLS(cfg *tls.Config, role Role) *Bridge {
	return NewBridge(IDTLS, TLSWrapper(cfg, role))
}

// RegisterTLS makes crypto/tls the backend for the TLS and Schannel IDs.
// Either config may be nil if the registry only serves the other role.
func RegisterTLS(r *Registry, client, server *tls.Config) {
	r.SetTLSBackend(func(role Role) (Filter, error) {
		cfg := client
		if role == RoleServer {
			cfg = server
		}
		if cfg == nil {
			return nil, ErrNoTLSConfig
		}
		return NewTLS(cfg, role), nil
	})
}
