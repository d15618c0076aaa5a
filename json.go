// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	gorpc "github.com/gorilla/rpc/v2"
	rpc "github.com/gorilla/rpc/v2/json2"
)

const (
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond

	// jsonPath is where the JSON transport serves requests.
	jsonPath = "/rpc"
)

// newHTTPClient creates a fresh HTTP client with disabled connection reuse.
// This avoids EOF errors that can occur with connection pooling in complex
// process hierarchies.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: DefaultTimeout,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe")
}

// RequestOption configures one JSON-RPC request.
type RequestOption func(*RequestOptions)

// RequestOptions are the resolved options of a JSON-RPC request.
type RequestOptions struct {
	headers     http.Header
	queryParams url.Values
	attempts    int
	log         logrus.FieldLogger
}

// NewRequestOptions applies options over the defaults.
func NewRequestOptions(options []RequestOption) *RequestOptions {
	o := &RequestOptions{
		headers:     http.Header{},
		queryParams: url.Values{},
		attempts:    maxRetries,
		log:         logrus.StandardLogger(),
	}
	for _, op := range options {
		op(o)
	}
	return o
}

// WithHeader adds a request header.
func WithHeader(key, value string) RequestOption {
	return func(o *RequestOptions) { o.headers.Add(key, value) }
}

// WithQueryParam adds a query parameter to the request URI.
func WithQueryParam(key, value string) RequestOption {
	return func(o *RequestOptions) { o.queryParams.Add(key, value) }
}

// WithMaxAttempts bounds how often a request is issued.
func WithMaxAttempts(n int) RequestOption {
	return func(o *RequestOptions) {
		if n > 0 {
			o.attempts = n
		}
	}
}

// WithRequestLogger sets the logger for retry messages.
func WithRequestLogger(log logrus.FieldLogger) RequestOption {
	return func(o *RequestOptions) { o.log = log }
}

// SendJSONRequest issues a JSON-RPC 2.0 request, retrying transient
// connection failures with exponential backoff.
func SendJSONRequest(
	ctx context.Context,
	uri *url.URL,
	method string,
	params interface{},
	reply interface{},
	options ...RequestOption,
) error {
	requestBodyBytes, err := rpc.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	ops := NewRequestOptions(options)
	target := *uri
	target.RawQuery = ops.queryParams.Encode()
	log := ops.log.WithFields(logrus.Fields{
		"method": method,
		"uri":    target.String(),
	})

	b := &backoff.Backoff{
		Min:    retryBaseWait,
		Max:    8 * retryBaseWait,
		Factor: 2,
	}
	var lastErr error
	for attempt := 0; attempt < ops.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Duration()):
			}
		}

		// the body buffer is consumed by every attempt
		request, err := http.NewRequestWithContext(
			ctx,
			http.MethodPost,
			target.String(),
			bytes.NewBuffer(requestBodyBytes),
		)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		request.Header = ops.headers.Clone()
		request.Header.Set("Content-Type", "application/json")

		client := newHTTPClient()
		resp, err := client.Do(request)
		if err != nil {
			lastErr = err
			retry := isRetryableError(err)
			log.WithError(err).WithFields(logrus.Fields{
				"attempt":   attempt + 1,
				"retryable": retry,
			}).Debug("request attempt failed")
			if retry {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}
		if attempt > 0 {
			log.WithField("attempt", attempt+1).Debug("request succeeded")
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = CleanlyCloseBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}

		if err := rpc.DecodeClientResponse(resp.Body, reply); err != nil {
			_ = CleanlyCloseBody(resp.Body)
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		return CleanlyCloseBody(resp.Body)
	}

	return fmt.Errorf("failed to issue request after %d attempts: %w", ops.attempts, lastErr)
}

// JSONRawArgs carries a raw call through the JSON transport. Payloads
// travel base64 encoded.
type JSONRawArgs struct {
	Method  string `json:"method"`
	Payload []byte `json:"payload"`
}

// JSONRawReply is the answer to a raw call.
type JSONRawReply struct {
	Payload []byte `json:"payload"`
}

// jsonRawMethod is the service method raw calls are routed through.
const jsonRawMethod = "Raw.Call"

// jsonClient is a Client speaking JSON-RPC 2.0 over HTTP.
type jsonClient struct {
	uri  *url.URL
	opts []RequestOption
}

func dialJSON(_ context.Context, addr string, o *dialOptions) (Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr + jsonPath
	}
	uri, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("json dial: %w", err)
	}
	c := &jsonClient{uri: uri}
	if o.retries > 0 {
		c.opts = append(c.opts, WithMaxAttempts(o.retries+1))
	}
	return c, nil
}

func (c *jsonClient) Call(ctx context.Context, method string, args, reply interface{}) error {
	if reply == nil {
		var ignored interface{}
		reply = &ignored
	}
	return SendJSONRequest(ctx, c.uri, method, args, reply, c.opts...)
}

func (c *jsonClient) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	var reply JSONRawReply
	err := SendJSONRequest(ctx, c.uri, jsonRawMethod, &JSONRawArgs{Method: method, Payload: payload}, &reply, c.opts...)
	return reply.Payload, err
}

func (c *jsonClient) Notify(ctx context.Context, method string, args interface{}) error {
	return c.Call(ctx, method, args, nil)
}

func (*jsonClient) Close() error { return nil }

// jsonServer serves JSON-RPC 2.0 over HTTP. Services registered with
// Register follow the gorilla/rpc convention:
//
//	func (t *T) Method(r *http.Request, args *A, reply *R) error
type jsonServer struct {
	ln   net.Listener
	rpc  *gorpc.Server
	http *http.Server
	raw  *jsonRawService
	log  logrus.FieldLogger
}

type jsonRawService struct {
	mu       sync.RWMutex
	handlers map[string]RawHandler
}

// Call dispatches a raw call to its handler.
func (s *jsonRawService) Call(r *http.Request, args *JSONRawArgs, reply *JSONRawReply) error {
	s.mu.RLock()
	h, ok := s.handlers[args.Method]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("method not found: %s", args.Method)
	}
	out, err := h(r.Context(), args.Payload)
	if err != nil {
		return err
	}
	reply.Payload = out
	return nil
}

func listenJSON(addr string, o *serverOptions) (Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, osError("listen", err)
	}

	s := &jsonServer{
		ln:  ln,
		rpc: gorpc.NewServer(),
		raw: &jsonRawService{handlers: make(map[string]RawHandler)},
		log: defaultOptions().with(o.wire).log.WithField("addr", ln.Addr().String()),
	}
	s.rpc.RegisterCodec(rpc.NewCodec(), "application/json")
	if err := s.rpc.RegisterService(s.raw, "Raw"); err != nil {
		_ = ln.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(jsonPath, s.rpc)
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: DefaultTimeout,
	}
	return s, nil
}

func (s *jsonServer) Register(name string, handler interface{}) error {
	return s.rpc.RegisterService(handler, name)
}

func (s *jsonServer) RegisterRaw(method string, handler RawHandler) error {
	s.raw.mu.Lock()
	defer s.raw.mu.Unlock()
	if _, ok := s.raw.handlers[method]; ok {
		return fmt.Errorf("method %s already registered", method)
	}
	s.raw.handlers[method] = handler
	return nil
}

func (s *jsonServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Warn("shutting down")
		}
	})
	defer stop()

	s.log.Info("serving json-rpc")
	err := s.http.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *jsonServer) Close() error {
	err := s.http.Close()
	if lnErr := s.ln.Close(); lnErr != nil && !errors.Is(lnErr, net.ErrClosed) && err == nil {
		err = lnErr
	}
	return err
}

func (s *jsonServer) Addr() string { return s.ln.Addr().String() }
