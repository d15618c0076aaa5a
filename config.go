// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/luxfi/rpcwire/filter"
)

// Duration is a time.Duration read from a string such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ByteSize is a size read from a string such as "64MiB" or "512k".
type ByteSize int64

func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := units.RAMInBytes(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(b))), nil
}

// TLSConfig names the key material of the TLS transport filter.
type TLSConfig struct {
	Cert               string `toml:"cert"`
	Key                string `toml:"key"`
	CA                 string `toml:"ca"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

func (c TLSConfig) enabled() bool {
	return c.Cert != "" || c.CA != "" || c.InsecureSkipVerify
}

// Config is the file form of the server and client options.
type Config struct {
	Listen    string `toml:"listen"`
	Addr      string `toml:"addr"`
	Transport string `toml:"transport"`
	Codec     string `toml:"codec"`

	Wire       string    `toml:"wire"`
	HTTPHost   string    `toml:"http_host"`
	MaxMessage ByteSize  `toml:"max_message"`
	Workers    int       `toml:"workers"`
	Timeout    Duration  `toml:"timeout"`
	Allowed    []string  `toml:"allowed_protocols"`
	Filters    []string  `toml:"filters"`
	TLS        TLSConfig `toml:"tls"`
	PSK        string    `toml:"psk"`

	Retries  int    `toml:"retries"`
	LogLevel string `toml:"log_level"`
}

// DefaultConfig returns the configuration used for absent keys.
func DefaultConfig() Config {
	return Config{
		Listen:     ":9000",
		Addr:       "127.0.0.1:9000",
		Transport:  DefaultTransport,
		Codec:      "json",
		Wire:       filter.WireTCP.String(),
		MaxMessage: DefaultMaxMessageLength,
		Workers:    4,
		Timeout:    Duration{DefaultTimeout},
		LogLevel:   logrus.InfoLevel.String(),
	}
}

// LoadConfig reads a TOML file over DefaultConfig. Unknown keys are
// rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := ParseConfig(string(data))
	if err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses TOML text over DefaultConfig.
func ParseConfig(data string) (*Config, error) {
	cfg := DefaultConfig()
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that do not need files to be read.
func (c *Config) Validate() error {
	if !HasTransport(c.Transport) {
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if _, err := NewProtocolCodec(c.Codec); err != nil {
		return err
	}
	if _, err := filter.ParseWireProtocol(c.Wire); err != nil {
		return err
	}
	if c.MaxMessage <= 0 || int64(c.MaxMessage) > MaxMessageLength {
		return fmt.Errorf("max_message must be in (0, %s]", units.BytesSize(MaxMessageLength))
	}
	if c.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	if c.Timeout.Duration < 0 {
		return errors.New("timeout must not be negative")
	}
	if c.Retries < 0 {
		return errors.New("retries must not be negative")
	}
	for _, p := range c.Allowed {
		if _, err := filter.ParseProtocol(p); err != nil {
			return err
		}
	}
	for _, id := range c.Filters {
		if _, err := filter.ParseID(id); err != nil {
			return err
		}
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Logger returns a logger at the configured level.
func (c *Config) Logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(level)
	return log, nil
}

// Options converts the configuration into engine options. The filter
// registry it installs carries the TLS and PSK filters when configured.
func (c *Config) Options() ([]Option, error) {
	log, err := c.Logger()
	if err != nil {
		return nil, err
	}
	wire, err := filter.ParseWireProtocol(c.Wire)
	if err != nil {
		return nil, err
	}
	reg, err := c.Registry()
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithLogger(log),
		WithWorkers(c.Workers),
		WithMaxMessageLength(int(c.MaxMessage)),
		WithWireProtocol(wire),
		WithHTTPHost(c.HTTPHost),
		WithTimeout(c.Timeout.Duration),
		WithFilterRegistry(reg),
	}
	if len(c.Allowed) > 0 {
		allowed := make([]filter.Protocol, len(c.Allowed))
		for i, s := range c.Allowed {
			if allowed[i], err = filter.ParseProtocol(s); err != nil {
				return nil, err
			}
		}
		opts = append(opts, WithAllowedProtocols(allowed...))
	}
	if len(c.Filters) > 0 {
		ids := make([]filter.ID, len(c.Filters))
		for i, s := range c.Filters {
			if ids[i], err = filter.ParseID(s); err != nil {
				return nil, err
			}
		}
		opts = append(opts, WithTransportFilters(ids...))
	}
	return opts, nil
}

// DialOptions returns the client options of the configuration.
func (c *Config) DialOptions() ([]DialOption, error) {
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}
	pc, err := NewProtocolCodec(c.Codec)
	if err != nil {
		return nil, err
	}
	return []DialOption{
		WithTransport(c.Transport),
		WithCodec(pc),
		WithRetries(c.Retries),
		WithWireOptions(opts...),
	}, nil
}

// ServerOptions returns the server options of the configuration.
func (c *Config) ServerOptions() ([]ServerOption, error) {
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}
	pc, err := NewProtocolCodec(c.Codec)
	if err != nil {
		return nil, err
	}
	return []ServerOption{
		WithServerTransport(c.Transport),
		WithServerCodec(pc),
		WithServerWireOptions(opts...),
	}, nil
}

// Registry returns a filter registry with the configured TLS and PSK
// filters added to the built-in ones.
func (c *Config) Registry() (*filter.Registry, error) {
	reg := filter.NewRegistry()
	if c.TLS.enabled() {
		client, server, err := c.TLS.load()
		if err != nil {
			return nil, err
		}
		filter.RegisterTLS(reg, client, server)
	}
	if c.PSK != "" {
		key, err := hex.DecodeString(c.PSK)
		if err != nil {
			return nil, fmt.Errorf("psk: %w", err)
		}
		filter.RegisterPSK(reg, key)
	}
	return reg, nil
}

// load builds the client and server side TLS configurations. The server
// side is nil without a certificate.
func (c TLSConfig) load() (client, server *tls.Config, err error) {
	client = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec
	}
	if c.CA != "" {
		pem, err := os.ReadFile(c.CA)
		if err != nil {
			return nil, nil, fmt.Errorf("tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, nil, fmt.Errorf("tls ca: no certificates in %s", c.CA)
		}
		client.RootCAs = pool
	}
	if c.Cert == "" {
		return client, nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.Cert, c.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("tls key pair: %w", err)
	}
	client.Certificates = []tls.Certificate{cert}
	server = &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if client.RootCAs != nil {
		server.ClientCAs = client.RootCAs
		server.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return client, server, nil
}
