// Package httputil guards payload handling on the relay path.
package httputil

import (
	"errors"
	"io"
)

// MaxBufferedBodyBytes caps non-streaming upstream bodies at 10MB.
// Larger payloads must be relayed in streaming mode.
const MaxBufferedBodyBytes int64 = 10 * 1024 * 1024

var ErrBodyTooLarge = errors.New("upstream body exceeds relay cap")

// ReadCapped reads at most maxBytes from r. When the cap is hit it returns
// the truncated prefix together with ErrBodyTooLarge. A non-positive cap
// reads everything.
func ReadCapped(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r)
	}

	body, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		return body[:maxBytes], ErrBodyTooLarge
	}
	return body, nil
}
