// Package httputil bounds reads of upstream HTTP response bodies.
package httputil

import (
	"errors"
	"io"
)

const (
	// DefaultMaxBodyBytes caps full response payloads. Completion and
	// embedding responses from any supported upstream fit well under it.
	DefaultMaxBodyBytes int64 = 10 * 1024 * 1024

	// ErrorSnippetBytes caps the portion of an error body quoted in
	// error messages and logs.
	ErrorSnippetBytes int64 = 4096
)

// ErrBodyTooLarge reports a response body exceeding the read limit.
var ErrBodyTooLarge = errors.New("response body too large")

// ReadBody reads at most maxBytes from reader. Oversized bodies return
// the truncated prefix together with ErrBodyTooLarge so callers can
// still quote partial content. A non-positive limit reads everything.
func ReadBody(reader io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(reader)
	}

	limited := io.LimitReader(reader, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		return body[:int(maxBytes)], ErrBodyTooLarge
	}
	return body, nil
}

// ErrorSnippet reads a short prefix of an error body for diagnostics.
// Truncation and read failures are not errors here; callers get
// whatever arrived.
func ErrorSnippet(reader io.Reader) []byte {
	body, _ := ReadBody(reader, ErrorSnippetBytes)
	return body
}
