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

package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/net/http2"
)

// ProbeH2C checks whether the peer of conn speaks HTTP/2 over cleartext
// with prior knowledge. It sends the client connection preface and an
// empty SETTINGS frame, then reads the first frame. A SETTINGS frame
// means the peer speaks HTTP/2; anything else, such as an HTTP/1.1
// error response, yields an error wrapping ErrUnsupported. Transport
// errors are returned as is.
//
// The connection is left mid-handshake and must be closed by the caller.
func ProbeH2C(ctx context.Context, conn net.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
		defer conn.SetDeadline(time.Time{}) //nolint:errcheck
	}
	stop := context.AfterFunc(ctx, func() {
		// Unblock pending reads and writes.
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := io.WriteString(conn, http2.ClientPreface); err != nil {
		return probeError(ctx, err)
	}
	framer := http2.NewFramer(conn, conn)
	// An HTTP/1.1 status line read as a frame header claims a length in
	// the megabytes; the protocol minimum rejects it without waiting.
	framer.SetMaxReadFrameSize(16 << 10)
	if err := framer.WriteSettings(); err != nil {
		return probeError(ctx, err)
	}
	frame, err := framer.ReadFrame()
	if err != nil {
		var netErr net.Error
		if context.Cause(ctx) != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
			return probeError(ctx, err)
		}
		// Bytes that do not parse as frames, or a peer that hangs up on
		// the preface, mean HTTP/2 is not spoken here.
		return fmt.Errorf("%w: h2c: peer did not answer with HTTP/2 frames: %w", ErrUnsupported, err)
	}
	settings, ok := frame.(*http2.SettingsFrame)
	if !ok || settings.IsAck() {
		return fmt.Errorf("%w: h2c: first frame from peer was %v, not SETTINGS", ErrUnsupported, frame.Header().Type)
	}
	return nil
}

func probeError(ctx context.Context, err error) error {
	if ctxErr := context.Cause(ctx); ctxErr != nil {
		return ctxErr
	}
	return err
}
