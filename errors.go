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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bufbuild/dispatch/endpoint"
	"github.com/bufbuild/dispatch/protocol"
)

var (
	// ErrClientClosed is returned for requests made after Close.
	ErrClientClosed = errors.New("client is closed")
	// ErrMissingAuthority is the cause of requests without a scheme and
	// authority on a client that has no base URI.
	ErrMissingAuthority = errors.New("Scheme and authority must be specified.") //nolint:revive,stylecheck
	// ErrCancelled marks cancellations that carry no cause of their own.
	ErrCancelled = errors.New("request cancelled")
)

// UnprocessedRequestError means the request failed before any of it
// reached the remote peer, so it is always safe to retry.
type UnprocessedRequestError struct {
	Cause error
}

// Unprocessed wraps cause in an UnprocessedRequestError unless it
// already is one, in which case cause is returned as is.
func Unprocessed(cause error) error {
	var unprocessed *UnprocessedRequestError
	if errors.As(cause, &unprocessed) {
		return cause
	}
	return &UnprocessedRequestError{Cause: cause}
}

// IsUnprocessed reports whether err is or wraps an UnprocessedRequestError.
func IsUnprocessed(err error) bool {
	var unprocessed *UnprocessedRequestError
	return errors.As(err, &unprocessed)
}

func (e *UnprocessedRequestError) Error() string {
	return "request not processed: " + e.Cause.Error()
}

func (e *UnprocessedRequestError) Unwrap() error {
	return e.Cause
}

// TimeoutPhase says which part of a request took too long.
type TimeoutPhase int

const (
	// PhaseConnect is establishing the connection.
	PhaseConnect TimeoutPhase = iota + 1
	// PhaseWrite is sending the request.
	PhaseWrite
	// PhaseResponse is waiting for and reading the response.
	PhaseResponse
)

func (p TimeoutPhase) String() string {
	switch p {
	case PhaseConnect:
		return "connect"
	case PhaseWrite:
		return "write"
	case PhaseResponse:
		return "response"
	default:
		return fmt.Sprintf("TimeoutPhase(%d)", int(p))
	}
}

// TimeoutError is a request timeout. It matches context.DeadlineExceeded
// with errors.Is.
type TimeoutError struct {
	Phase    TimeoutPhase
	Duration time.Duration
	Cause    error
}

func (e *TimeoutError) Error() string {
	msg := e.Phase.String() + " timeout"
	if e.Duration > 0 {
		msg += " after " + e.Duration.String()
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded //nolint:errorlint
}

// Timeout implements the net.Error convention.
func (e *TimeoutError) Timeout() bool {
	return true
}

// CancelledError is an explicit cancellation. Cause is what the caller
// gave, or nil for none, in which case it unwraps to ErrCancelled.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause == nil {
		return ErrCancelled.Error()
	}
	return "request cancelled: " + e.Cause.Error()
}

func (e *CancelledError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrCancelled}
	}
	return []error{ErrCancelled, e.Cause}
}

// ProtocolError is a response that violated HTTP, such as malformed or
// oversized headers, an HTTP/2 stream or connection error, or a body
// larger than allowed.
type ProtocolError struct {
	Cause error
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Cause.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// ContentTooLargeError is the cause of a ProtocolError for a response
// body longer than the configured maximum.
type ContentTooLargeError struct {
	MaxLength int64
	// Length is the declared length, or -1 if the body was cut off while
	// streaming.
	Length int64
}

func (e *ContentTooLargeError) Error() string {
	if e.Length >= 0 {
		return fmt.Sprintf("content length %d exceeds maximum %d", e.Length, e.MaxLength)
	}
	return fmt.Sprintf("content exceeds maximum length %d", e.MaxLength)
}

// SessionProtocolNegotiationError means the endpoint does not speak the
// required session protocol. Cause wraps protocol.ErrUnsupported.
type SessionProtocolNegotiationError struct {
	Endpoint endpoint.Endpoint
	Protocol protocol.SessionProtocol
	Cause    error
}

func (e *SessionProtocolNegotiationError) Error() string {
	msg := fmt.Sprintf("%s does not support %s", e.Endpoint, e.Protocol)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SessionProtocolNegotiationError) Unwrap() error {
	if e.Cause == nil {
		return protocol.ErrUnsupported
	}
	return e.Cause
}

// SelectionTimeoutError means no endpoint became available in time.
type SelectionTimeoutError struct {
	Authority string
	Timeout   time.Duration
	// Cause is the last name resolution error for Authority, if any.
	Cause error
}

func (e *SelectionTimeoutError) Error() string {
	msg := fmt.Sprintf("no endpoint for %s was selected within %v", e.Authority, e.Timeout)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SelectionTimeoutError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is. A selection timeout matches
// context.DeadlineExceeded.
func (e *SelectionTimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded //nolint:errorlint
}
