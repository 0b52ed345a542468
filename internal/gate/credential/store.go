package credential

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"os"

	"github.com/go-faster/errors"
)

// Store resolves presented API keys to credentials. It is populated once at
// construction and read-only afterwards, so lookups are safe for unlimited
// concurrent use without locking.
type Store struct {
	enabled bool
	pepper  []byte
	byHash  map[string]Credential
}

// NewStore builds an enabled store from the given credentials. It fails on
// duplicate identities, duplicate hashes, or hashes that are not 32-byte hex,
// so misconfiguration surfaces at startup rather than as mysterious 401s.
func NewStore(pepper []byte, creds []Credential) (*Store, error) {
	byHash := make(map[string]Credential, len(creds))
	byIdentity := make(map[string]struct{}, len(creds))
	for _, c := range creds {
		if c.Identity == "" {
			return nil, errors.New("credential with empty identity")
		}
		if _, ok := byIdentity[c.Identity]; ok {
			return nil, errors.Errorf("duplicate identity %q", c.Identity)
		}
		byIdentity[c.Identity] = struct{}{}

		raw, err := hex.DecodeString(c.SecretHash)
		if err != nil {
			return nil, errors.Wrapf(err, "identity %q: secret hash is not hex", c.Identity)
		}
		if len(raw) != sha256Size {
			return nil, errors.Errorf("identity %q: secret hash has %d bytes, want %d", c.Identity, len(raw), sha256Size)
		}
		if _, ok := byHash[c.SecretHash]; ok {
			return nil, errors.Errorf("identity %q: duplicate secret hash", c.Identity)
		}
		byHash[c.SecretHash] = c
	}
	return &Store{enabled: true, pepper: pepper, byHash: byHash}, nil
}

const sha256Size = 32

// NewDisabled returns a store for deployments with authentication switched
// off: Resolve always succeeds with the anonymous identity and never touches
// credential state.
func NewDisabled() *Store {
	return &Store{}
}

// Resolve authenticates a presented key. The key's shape is checked before
// any hashing; well-formed keys are HMAC-hashed, looked up by hash, and then
// compared in constant time against the stored hash. Every failure path
// returns ErrMalformedKey or ErrUnknownKey and nothing else, keeping the
// store fail-closed.
func (s *Store) Resolve(presented string) (Credential, error) {
	if !s.enabled {
		return Credential{Identity: AnonymousIdentity}, nil
	}
	if err := checkShape(presented); err != nil {
		return Credential{}, err
	}

	hash := HashSecret(s.pepper, presented)
	cred, ok := s.byHash[hash]
	if !ok {
		return Credential{}, ErrUnknownKey
	}

	// Constant-time comparison guards against timing side-channels even though
	// the lookup already succeeded; the stored hash could differ from what we
	// computed if the store was populated with a stale row.
	computed, err := hex.DecodeString(hash)
	if err != nil {
		return Credential{}, ErrUnknownKey
	}
	stored, err := hex.DecodeString(cred.SecretHash)
	if err != nil {
		return Credential{}, ErrUnknownKey
	}
	if subtle.ConstantTimeCompare(computed, stored) != 1 {
		return Credential{}, ErrUnknownKey
	}
	return cred, nil
}

// Len reports how many credentials are loaded. Zero on a disabled store.
func (s *Store) Len() int {
	return len(s.byHash)
}

// FromFile reads a JSON credential list: [{"identity": ..., "secretHash":
// ..., "scopes": [...]}]. Validation of the entries happens in NewStore.
func FromFile(path string) ([]Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read credentials file")
	}
	var creds []Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, errors.Wrap(err, "parse credentials file")
	}
	return creds, nil
}
