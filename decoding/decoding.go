// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package decoding provides a decorator that advertises the content
// codings it understands and decodes response bodies sent with them.
package decoding

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/bufbuild/dispatch"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Content codings understood by the decorator.
const (
	Gzip    = "gzip"
	Deflate = "deflate"
	Zstd    = "zstd"
)

// Option configures the decoding client.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	encodings []string
}

// WithEncodings limits the codings advertised and decoded, in order of
// preference. Unknown names are ignored.
func WithEncodings(encodings ...string) Option {
	return optionFunc(func(opts *options) {
		opts.encodings = opts.encodings[:0]
		for _, encoding := range encodings {
			encoding = strings.ToLower(strings.TrimSpace(encoding))
			if isKnown(encoding) && !slices.Contains(opts.encodings, encoding) {
				opts.encodings = append(opts.encodings, encoding)
			}
		}
	})
}

// NewDecorator returns a decorator that sets Accept-Encoding on requests
// that have none and decodes the responses. Requests that set their own
// Accept-Encoding get their responses untouched.
func NewDecorator(opts ...Option) dispatch.Decorator {
	options := options{encodings: []string{Zstd, Gzip, Deflate}}
	for _, opt := range opts {
		opt.apply(&options)
	}
	accept := strings.Join(options.encodings, ", ")
	return func(delegate dispatch.Client) dispatch.Client {
		return &Client{delegate: delegate, encodings: options.encodings, accept: accept}
	}
}

// Client is the decoding client installed by NewDecorator.
type Client struct {
	delegate  dispatch.Client
	encodings []string
	accept    string
}

// Unwrap implements dispatch.Unwrapper.
func (c *Client) Unwrap() dispatch.Client {
	return c.delegate
}

// Execute implements dispatch.Client.
func (c *Client) Execute(ctx *dispatch.Context, req *http.Request) (*http.Response, error) {
	if len(c.encodings) == 0 || req.Header.Get("Accept-Encoding") != "" ||
		ctx.AdditionalHeaders().Get("Accept-Encoding") != "" {
		return c.delegate.Execute(ctx, req)
	}
	ctx.SetAdditionalHeader("Accept-Encoding", c.accept)
	resp, err := c.delegate.Execute(ctx, req)
	if err != nil || resp == nil || !hasBody(req, resp) {
		return resp, err
	}
	codings, ok := c.codingsOf(resp.Header.Values("Content-Encoding"))
	if !ok || len(codings) == 0 {
		return resp, nil
	}
	resp.Body = &body{
		source:  resp.Body,
		codings: codings,
		limit:   ctx.MaxResponseLength(),
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return resp, nil
}

// codingsOf returns the codings of a response in the order they were
// applied, or false if any of them is not one of ours.
func (c *Client) codingsOf(values []string) ([]string, bool) {
	var codings []string
	for _, value := range values {
		for _, coding := range strings.Split(value, ",") {
			coding = strings.ToLower(strings.TrimSpace(coding))
			switch {
			case coding == "" || coding == "identity":
			case slices.Contains(c.encodings, coding):
				codings = append(codings, coding)
			default:
				return nil, false
			}
		}
	}
	return codings, true
}

func hasBody(req *http.Request, resp *http.Response) bool {
	switch {
	case req.Method == http.MethodHead:
		return false
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified:
		return false
	default:
		return resp.ContentLength != 0
	}
}

func isKnown(encoding string) bool {
	return encoding == Gzip || encoding == Deflate || encoding == Zstd
}

// body decodes lazily so that reading response headers never waits for
// the first bytes of the body.
type body struct {
	source  io.ReadCloser
	codings []string
	limit   int64

	reader  io.Reader
	closers []func()
	decoded int64
	err     error
}

func (b *body) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if b.reader == nil {
		if err := b.open(); err != nil {
			b.err = err
			return 0, err
		}
	}
	n, err := b.reader.Read(p)
	b.decoded += int64(n)
	if b.limit > 0 && b.decoded > b.limit {
		b.err = &dispatch.ProtocolError{Cause: &dispatch.ContentTooLargeError{MaxLength: b.limit, Length: -1}}
		return 0, b.err
	}
	if err != nil {
		b.err = err
	}
	return n, err
}

func (b *body) open() error {
	var reader io.Reader = b.source
	// The last coding applied is undone first.
	for i := len(b.codings) - 1; i >= 0; i-- {
		coding := b.codings[i]
		switch coding {
		case Gzip:
			gz, err := gzip.NewReader(reader)
			if err != nil {
				return decodeError(coding, err)
			}
			b.closers = append(b.closers, func() { _ = gz.Close() })
			reader = gz
		case Deflate:
			zr, err := zlib.NewReader(reader)
			if err != nil {
				return decodeError(coding, err)
			}
			b.closers = append(b.closers, func() { _ = zr.Close() })
			reader = zr
		case Zstd:
			zr, err := zstd.NewReader(reader, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return decodeError(coding, err)
			}
			b.closers = append(b.closers, zr.Close)
			reader = zr
		}
	}
	b.reader = reader
	return nil
}

func (b *body) Close() error {
	for _, closer := range slices.Backward(b.closers) {
		closer()
	}
	b.closers = nil
	if b.err == nil {
		b.err = errBodyClosed
	}
	return b.source.Close()
}

var errBodyClosed = errors.New("decoding: read on closed response body")

func decodeError(coding string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("decoding %s: %w", coding, io.ErrUnexpectedEOF)
	}
	return &dispatch.ProtocolError{Cause: fmt.Errorf("decoding %s: %w", coding, err)}
}
