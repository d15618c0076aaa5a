// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package filter

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/luxfi/rpcwire/buffer"
)

const (
	// HTTPPath is the request target used for tunnelled messages.
	HTTPPath = "/rpc"

	maxHTTPHeader = 16 << 10
	httpChunk     = 512
)

var ErrBadHTTP = errors.New("filter: malformed http frame")

var headerEnd = []byte("\r\n\r\n")

type httpState int

const (
	httpIdle httpState = iota
	httpProbe
	httpHeader
	httpBody
)

// HTTPFrame carries each write as one HTTP message body: a POST from the
// client, a 200 response from the server. Reads strip the headers and
// present the bodies as a byte stream. FrameSize reports the body length of
// the message being read, which is how a session frames messages without a
// length prefix.
type HTTPFrame struct {
	Base
	role Role
	host string

	// write side
	out     []buffer.Buffer
	written int
	body    int

	// read side
	state    httpState
	want     int
	leftover []byte
	bodyLeft int
	frame    int
}

// NewHTTPFrame returns an HTTP framing filter. host is sent in client
// requests.
func NewHTTPFrame(role Role, host string) *HTTPFrame {
	if host == "" {
		host = "localhost"
	}
	return &HTTPFrame{role: role, host: host}
}

func (*HTTPFrame) ID() ID { return IDHTTPFrame }

func (h *HTTPFrame) FrameSize() int { return h.frame }

func (h *HTTPFrame) header(n int) []byte {
	var b bytes.Buffer
	if h.role == RoleServer {
		b.WriteString("HTTP/1.1 200 OK\r\n")
	} else {
		fmt.Fprintf(&b, "POST %s HTTP/1.1\r\nHost: %s\r\n", HTTPPath, h.host)
	}
	b.WriteString("Content-Type: application/octet-stream\r\n")
	b.WriteString("Content-Length: " + strconv.Itoa(n) + "\r\n\r\n")
	return b.Bytes()
}

func (h *HTTPFrame) Write(bufs []buffer.Buffer) {
	n := buffer.TotalLen(bufs)
	if n == 0 {
		h.Prev().OnWriteCompleted(0, fmt.Errorf("%w: empty body", ErrBadHTTP))
		return
	}
	h.out = append(append(h.out[:0], buffer.Wrap(h.header(n))), bufs...)
	h.written = 0
	h.body = n
	h.Next().Write(h.out)
}

func (h *HTTPFrame) OnWriteCompleted(n int, err error) {
	if err != nil {
		h.out = h.out[:0]
		h.Prev().OnWriteCompleted(0, err)
		return
	}
	h.written += n
	if rest := buffer.Advance(h.out, h.written); rest != nil {
		h.Next().Write(rest)
		return
	}
	h.out = h.out[:0]
	h.Prev().OnWriteCompleted(h.body, nil)
}

func (h *HTTPFrame) Read(buf buffer.Buffer, n int) {
	if n == 0 {
		if len(h.leftover) > 0 {
			h.Prev().OnReadCompleted(buffer.Buffer{}, nil)
			return
		}
		h.state = httpProbe
		h.Next().Read(buffer.Buffer{}, 0)
		return
	}
	h.want = n
	h.serve(buf)
}

func (h *HTTPFrame) serve(buf buffer.Buffer) {
	for {
		if h.bodyLeft > 0 {
			if len(h.leftover) > 0 {
				k := min(h.want, h.bodyLeft, len(h.leftover))
				out := buffer.Wrap(h.leftover[:k:k])
				h.leftover = h.leftover[k:]
				h.bodyLeft -= k
				h.state = httpIdle
				h.Prev().OnReadCompleted(out, nil)
				return
			}
			h.state = httpBody
			h.Next().Read(buf, min(h.want, h.bodyLeft))
			return
		}

		i := bytes.Index(h.leftover, headerEnd)
		if i < 0 {
			if len(h.leftover) > maxHTTPHeader {
				h.fail(fmt.Errorf("%w: header exceeds %d bytes", ErrBadHTTP, maxHTTPHeader))
				return
			}
			h.state = httpHeader
			h.Next().Read(buffer.Buffer{}, httpChunk)
			return
		}
		size, err := h.parse(h.leftover[:i+len(headerEnd)])
		if err != nil {
			h.fail(err)
			return
		}
		h.leftover = h.leftover[i+len(headerEnd):]
		h.frame = size
		h.bodyLeft = size
	}
}

func (h *HTTPFrame) parse(hdr []byte) (int, error) {
	br := bufio.NewReader(bytes.NewReader(hdr))
	var (
		length int64
		err    error
	)
	if h.role == RoleServer {
		var req *http.Request
		if req, err = http.ReadRequest(br); err == nil {
			length = req.ContentLength
			if req.Method != http.MethodPost {
				err = fmt.Errorf("unexpected method %s", req.Method)
			}
		}
	} else {
		var resp *http.Response
		if resp, err = http.ReadResponse(br, nil); err == nil {
			length = resp.ContentLength
			if resp.StatusCode != http.StatusOK {
				err = fmt.Errorf("unexpected status %s", resp.Status)
			}
		}
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBadHTTP, err)
	}
	if length < 1 || length > 1<<31-1 {
		return 0, fmt.Errorf("%w: content length %d", ErrBadHTTP, length)
	}
	return int(length), nil
}

func (h *HTTPFrame) fail(err error) {
	h.state = httpIdle
	h.Prev().OnReadCompleted(buffer.Buffer{}, err)
}

func (h *HTTPFrame) OnReadCompleted(buf buffer.Buffer, err error) {
	switch h.state {
	case httpProbe:
		h.state = httpIdle
		h.Prev().OnReadCompleted(buffer.Buffer{}, err)
		return
	case httpHeader:
		if err != nil {
			if errors.Is(err, io.EOF) && len(h.leftover) > 0 {
				err = io.ErrUnexpectedEOF
			}
			h.fail(err)
			return
		}
		h.leftover = append(h.leftover, buf.Bytes()...)
		h.serve(buffer.Buffer{})
	case httpBody:
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			h.fail(err)
			return
		}
		h.bodyLeft -= buf.Len()
		h.state = httpIdle
		h.Prev().OnReadCompleted(buf, nil)
	default:
		h.Prev().OnReadCompleted(buf, err)
	}
}
