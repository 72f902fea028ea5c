package pii

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Digester computes one-way keyed digests of PII fields. The key scopes
// digests to a single deployment so the same user-agent string hashes to
// different signature components across unrelated installs — the digest is
// an identity component, not a content hash meant to be reproduced elsewhere.
type Digester struct {
	key []byte
}

// NewDigester builds a Digester from a secret key. An empty key still
// produces stable, usable digests (blake2b accepts a nil key) but callers
// should supply one in production so digests aren't guessable offline.
func NewDigester(key []byte) *Digester {
	return &Digester{key: key}
}

// Digest returns the lower-hex BLAKE2b-256 keyed digest of value. Used for
// `user_agent_digest` (client signature composition, spec.md §3) and for
// emitting a keyed one-way digest of PII instead of its raw value wherever a
// signal or persisted record needs to reference it (spec.md §4.2).
func (d *Digester) Digest(value string) string {
	h, err := blake2b.New256(d.key)
	if err != nil {
		// Only non-nil if the key exceeds blake2b's 64-byte bound; callers
		// pass fixed-size configured secrets, so fall back to unkeyed rather
		// than panic on a misconfiguration.
		h, _ = blake2b.New256(nil)
	}
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}
