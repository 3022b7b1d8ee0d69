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

package httpmsg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// ReadRequest reads one complete HTTP/1.x request from br, body included.
// A clean EOF before any bytes of a request surfaces as io.EOF so callers can
// distinguish "client finished" from a truncated message.
func ReadRequest(br *bufio.Reader) (*http.Request, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return nil, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, ErrIncompleteMessage
		case isTransportErr(err):
			return nil, &ConnError{Err: err}
		case isContentLengthErr(err):
			return nil, ErrInvalidContentLength
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
	}

	body, err := readBody(req.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		req.Body = http.NoBody
	} else {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	}
	return req, nil
}

// WriteRequest serializes req to w. The body must already be buffered (as
// ReadRequest leaves it); it is re-framed with an explicit Content-Length,
// which also flattens any chunked transfer encoding from the client.
func WriteRequest(w io.Writer, req *http.Request) error {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return &ConnError{Err: err}
		}
		body = b
	}

	target := req.RequestURI
	if target == "" && req.URL != nil {
		target = req.URL.RequestURI()
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/%d.%d\r\n", req.Method, target, protoMajor(req.ProtoMajor), protoMinor(req.ProtoMajor, req.ProtoMinor))
	fmt.Fprintf(&buf, "Host: %s\r\n", req.Host)

	hdr := req.Header.Clone()
	if hdr == nil {
		hdr = make(http.Header)
	}
	hdr.Del("Host")
	hdr.Del("Transfer-Encoding")
	if len(body) > 0 {
		hdr.Set("Content-Length", strconv.Itoa(len(body)))
	} else {
		hdr.Del("Content-Length")
	}
	if err := hdr.Write(&buf); err != nil {
		return err
	}
	buf.WriteString("\r\n")
	buf.Write(body)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return &ConnError{Err: err}
	}
	return nil
}

// ExtendHeader appends value to the named header as a comma-separated list,
// retaining any prior hop's value, and creates the header if absent.
func ExtendHeader(h http.Header, name, value string) {
	if prior := h.Get(name); prior != "" {
		h.Set(name, prior+", "+value)
		return
	}
	h.Set(name, value)
}

// RequestLine formats the request line for logging.
func RequestLine(req *http.Request) string {
	target := req.RequestURI
	if target == "" && req.URL != nil {
		target = req.URL.RequestURI()
	}
	return fmt.Sprintf("%s %s %s", req.Method, target, req.Proto)
}

func protoMajor(major int) int {
	if major == 0 {
		return 1
	}
	return major
}

func protoMinor(major, minor int) int {
	if major == 0 {
		return 1
	}
	return minor
}
