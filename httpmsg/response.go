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

// ReadResponse reads one complete HTTP/1.x response from br, body included.
// req is the request that elicited the response; it is needed so responses to
// HEAD requests frame correctly (Content-Length without a body).
func ReadResponse(br *bufio.Reader, req *http.Request) (*http.Response, error) {
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil, ErrIncompleteMessage
		case isTransportErr(err):
			return nil, &ConnError{Err: err}
		case isContentLengthErr(err):
			return nil, ErrInvalidContentLength
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}

	body, err := readBody(resp.Body)
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// WriteResponse serializes resp to w. net/http's Response.Write refuses a
// HEAD response whose Content-Length disagrees with its (empty) body, so the
// framing is done here: buffered bodies are written with an explicit
// Content-Length, and bodyless responses keep their headers untouched.
func WriteResponse(w io.Writer, resp *http.Response) error {
	var body []byte
	if resp.Body != nil {
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return &ConnError{Err: err}
		}
		body = b
	}

	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/%d.%d %s\r\n", protoMajor(resp.ProtoMajor), protoMinor(resp.ProtoMajor, resp.ProtoMinor), status)

	hdr := resp.Header.Clone()
	if hdr == nil {
		hdr = make(http.Header)
	}
	hdr.Del("Transfer-Encoding")
	if hasBody(resp) {
		hdr.Set("Content-Length", strconv.Itoa(len(body)))
	}
	if err := hdr.Write(&buf); err != nil {
		return err
	}
	buf.WriteString("\r\n")
	if hasBody(resp) {
		buf.Write(body)
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return &ConnError{Err: err}
	}
	return nil
}

// NewError synthesizes a response carrying the given status with a short
// plain-text body, for delivery to the client when proxying cannot proceed.
func NewError(status int) *http.Response {
	body := []byte(http.StatusText(status) + "\n")
	hdr := make(http.Header)
	hdr.Set("Content-Type", "text/plain; charset=utf-8")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        hdr,
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}
}

// StatusLine formats the status line for logging.
func StatusLine(resp *http.Response) string {
	status := resp.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return fmt.Sprintf("HTTP/%d.%d %s", protoMajor(resp.ProtoMajor), protoMinor(resp.ProtoMajor, resp.ProtoMinor), status)
}

// hasBody reports whether a response carries a body on the wire. Responses to
// HEAD and 1xx/204/304 responses never do.
func hasBody(resp *http.Response) bool {
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return false
	}
	if resp.StatusCode < 200 || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		return false
	}
	return true
}
