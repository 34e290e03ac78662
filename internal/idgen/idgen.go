// Package idgen provides random ID generation for deals, conversations,
// messages, and audit events.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/oklog/ulid/v2"
)

// WithPrefix generates a random ID with a prefix (e.g. "deal_", "conv_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// ULID generates a lexicographically sortable ID for append-ordered rows
// (messages, deal events).
func ULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
}

// codeAlphabet omits 0/O, 1/I/L and vowels to avoid misreadings and
// accidental words in shareable codes.
const codeAlphabet = "23456789BCDFGHJKMNPQRSTVWXZ"

// Code generates a short human-shareable code of n characters.
func Code(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b)
}
