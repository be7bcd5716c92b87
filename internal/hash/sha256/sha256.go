// Package sha256 content-addresses archived crawl results.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const fullLength = sha256.Size * 2

// Option customizes a Hasher.
type Option func(*Hasher)

// WithLength truncates digests to n hex characters. Values outside
// (0, 64] leave the full digest in place.
func WithLength(n int) Option {
	return func(h *Hasher) {
		if n > 0 && n <= fullLength {
			h.length = n
		}
	}
}

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct {
	length int
}

// New returns a SHA-256 hasher.
func New(opts ...Option) *Hasher {
	h := &Hasher{length: fullLength}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Hash returns the hex digest of data, truncated to the configured length.
func (h *Hasher) Hash(data []byte) (string, error) {
	if data == nil {
		return "", fmt.Errorf("hash: nil payload")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:h.length], nil
}
