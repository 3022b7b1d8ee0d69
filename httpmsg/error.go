// Copyright 2026 The Lodestar Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpmsg reads and writes whole HTTP/1.x messages over raw
// connections. Bodies are fully buffered and bounded by MaxBodySize, so a
// message handed back by this package is always safe to re-serialize.
package httpmsg

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
)

// MaxBodySize bounds how much of a request or response body is buffered.
const MaxBodySize = 10 << 20

var (
	// ErrIncompleteMessage is returned when the peer stops sending in the
	// middle of a message.
	ErrIncompleteMessage = errors.New("incomplete HTTP message")

	// ErrMalformedRequest is returned for request framing the parser rejects.
	ErrMalformedRequest = errors.New("malformed HTTP request")

	// ErrMalformedResponse is returned for response framing the parser rejects.
	ErrMalformedResponse = errors.New("malformed HTTP response")

	// ErrInvalidContentLength is returned when a Content-Length header is
	// present but not a usable number.
	ErrInvalidContentLength = errors.New("invalid Content-Length header")

	// ErrContentLengthMismatch is returned when a body ends before the
	// declared Content-Length is satisfied.
	ErrContentLengthMismatch = errors.New("message body shorter than Content-Length")

	// ErrBodyTooLarge is returned when a body exceeds MaxBodySize.
	ErrBodyTooLarge = fmt.Errorf("message body exceeds %s", humanize.IBytes(MaxBodySize))
)

// ConnError wraps a transport-level failure, as opposed to a parse failure.
// Callers use it to tell "the bytes were bad" apart from "the socket died".
type ConnError struct {
	Err error
}

func (e *ConnError) Error() string { return "connection error: " + e.Err.Error() }

func (e *ConnError) Unwrap() error { return e.Err }

// StatusForRequestError maps a ReadRequest error to the status code that
// should be synthesized for the client. Transport failures map to 503 for the
// cases where a reply can still be attempted.
func StatusForRequestError(err error) int {
	var ce *ConnError
	switch {
	case errors.As(err, &ce):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusBadRequest
	}
}

// isTransportErr reports whether err originated from the socket rather than
// from message parsing.
func isTransportErr(err error) bool {
	var opErr *net.OpError
	var sysErr *os.SyscallError
	var netErr net.Error
	return errors.As(err, &opErr) ||
		errors.As(err, &sysErr) ||
		errors.As(err, &netErr) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

// isContentLengthErr recognizes net/http's Content-Length complaints, which
// only surface as strings.
func isContentLengthErr(err error) bool {
	return strings.Contains(err.Error(), "Content-Length")
}

// readBody drains rc, enforcing the size bound. The reader returned by
// net/http already enforces Content-Length framing, so a short body surfaces
// here as io.ErrUnexpectedEOF.
func readBody(rc io.ReadCloser) ([]byte, error) {
	defer rc.Close()
	body, err := io.ReadAll(io.LimitReader(rc, MaxBodySize+1))
	if err != nil {
		switch {
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, ErrContentLengthMismatch
		case isTransportErr(err):
			return nil, &ConnError{Err: err}
		default:
			return nil, err
		}
	}
	if len(body) > MaxBodySize {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}
