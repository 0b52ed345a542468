// Package credential implements the API-key credential store for the request
// gate: an immutable set of credentials loaded once at startup, resolved with
// constant-time hash comparison.
package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"path"

	"github.com/go-faster/errors"
)

// AnonymousIdentity is the fixed identity every request resolves to while
// authentication is disabled.
const AnonymousIdentity = "anonymous"

// Presented key shape bounds, checked before any hashing.
const (
	minKeyLen = 8
	maxKeyLen = 128
)

var (
	// ErrMalformedKey is returned when the presented key does not meet the
	// expected shape (empty, wrong length, non-printable bytes).
	ErrMalformedKey = errors.New("malformed api key")
	// ErrUnknownKey is returned when no configured credential matches the
	// presented key.
	ErrUnknownKey = errors.New("unknown api key")
)

// Credential binds a hashed API key to an identity and its permitted tools.
// The raw secret is never stored; SecretHash is lowercase hex of
// HMAC-SHA256(pepper, secret).
type Credential struct {
	Identity   string   `json:"identity"`
	SecretHash string   `json:"secretHash"`
	Scopes     []string `json:"scopes,omitempty"`
}

// AllowsTool reports whether the credential permits calling the named tool.
// An empty scope list permits every tool; otherwise each scope is a glob
// pattern (path.Match syntax) tried in declaration order.
func (c Credential) AllowsTool(name string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, scope := range c.Scopes {
		if ok, err := path.Match(scope, name); err == nil && ok {
			return true
		}
	}
	return false
}

// HashSecret computes the stored form of a raw API key: lowercase hex of
// HMAC-SHA256 keyed with the server-side pepper.
func HashSecret(pepper []byte, secret string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// KeyDigest returns a short redacted fingerprint of a presented key, safe to
// place in audit records when the key could not be resolved. Empty input
// yields an empty digest.
func KeyDigest(presented string) string {
	if presented == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(presented))
	return hex.EncodeToString(sum[:4])
}

// checkShape rejects keys that cannot possibly match a credential before any
// hash work is done. Still on the fail-closed path: a shape failure is an
// authentication failure.
func checkShape(presented string) error {
	if presented == "" {
		return errors.Wrap(ErrMalformedKey, "empty")
	}
	if len(presented) < minKeyLen || len(presented) > maxKeyLen {
		return errors.Wrapf(ErrMalformedKey, "length %d", len(presented))
	}
	for i := range len(presented) {
		if presented[i] < 0x20 || presented[i] > 0x7E {
			return errors.Wrap(ErrMalformedKey, "non-printable byte")
		}
	}
	return nil
}
