// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/luxfi/rpcwire"
)

var rootCmd = &cobra.Command{
	Use:               "rpcwire",
	Short:             "rpcwire - framed RPC server and client",
	PersistentPreRunE: before,
	SilenceUsage:      true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the echo and sys methods",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var callCmd = &cobra.Command{
	Use:   "call METHOD [PAYLOAD]",
	Short: "call a method with a raw payload and print the answer",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload []byte
		if len(args) == 2 {
			payload = []byte(args[1])
		}
		return call(cmd.Context(), args[0], payload)
	},
}

type cliConfig struct {
	configPath  string
	logLevel    string
	listen      string
	addr        string
	transport   string
	metricsAddr string
}

var config = cliConfig{}

// cfg is resolved by before from the file and the flags.
var cfg *rpcwire.Config

func init() {
	rootCmd.PersistentFlags().StringVar(&config.configPath, "config", "", "TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&config.logLevel, "log-level", "", "Log messages including and over the specified level: debug, info, warn, error, fatal, panic")
	rootCmd.PersistentFlags().StringVar(&config.transport, "transport", "", "Transport to use: "+fmt.Sprint(rpcwire.AvailableTransports()))

	serveCmd.Flags().StringVar(&config.listen, "listen", "", "Address to listen on")
	serveCmd.Flags().StringVar(&config.metricsAddr, "metrics", "", "Address to serve Prometheus metrics on")
	callCmd.Flags().StringVar(&config.addr, "addr", "", "Address of the server")

	rootCmd.AddCommand(serveCmd, callCmd)
}

func before(cmd *cobra.Command, args []string) error {
	c := rpcwire.DefaultConfig()
	if config.configPath != "" {
		loaded, err := rpcwire.LoadConfig(config.configPath)
		if err != nil {
			return err
		}
		c = *loaded
	}
	if config.logLevel != "" {
		c.LogLevel = config.logLevel
	}
	if config.listen != "" {
		c.Listen = config.listen
	}
	if config.addr != "" {
		c.Addr = config.addr
	}
	if config.transport != "" {
		c.Transport = config.transport
	}
	if err := c.Validate(); err != nil {
		return err
	}

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	cfg = &c
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// SysInfo answers Sys.Info.
type SysInfo struct {
	Transports []string  `json:"transports"`
	Time       time.Time `json:"time"`
}

// Sys is the reflectively registered introspection service.
type Sys struct{}

func (Sys) Info(_ *struct{}, reply *SysInfo) error {
	reply.Transports = rpcwire.AvailableTransports()
	reply.Time = time.Now().UTC()
	return nil
}

func serve(ctx context.Context) error {
	opts, err := cfg.ServerOptions()
	if err != nil {
		return err
	}
	if config.metricsAddr != "" {
		m, err := rpcwire.DefaultMetrics()
		if err != nil {
			return err
		}
		opts = append(opts, rpcwire.WithServerWireOptions(rpcwire.WithMetrics(m)))
		go serveMetrics(ctx, config.metricsAddr)
	}

	server, err := rpcwire.Listen(cfg.Listen, opts...)
	if err != nil {
		return err
	}
	defer server.Close()

	if err := server.RegisterRaw("echo", func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}); err != nil {
		return err
	}
	if cfg.Transport != rpcwire.TransportJSON {
		if err := server.Register("Sys", Sys{}); err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"addr":      server.Addr(),
		"transport": cfg.Transport,
	}).Info("serving")
	return server.Serve(ctx)
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	context.AfterFunc(ctx, func() { _ = srv.Close() })
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithError(err).Warn("metrics server failed")
	}
}

func call(ctx context.Context, method string, payload []byte) error {
	opts, err := cfg.DialOptions()
	if err != nil {
		return err
	}
	if cfg.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout.Duration)
		defer cancel()
	}

	client, err := rpcwire.Dial(ctx, cfg.Addr, opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.CallRaw(ctx, method, payload)
	if err != nil {
		return err
	}
	fmt.Println(string(resp))
	return nil
}
