package gate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ParamDigest returns a short stable digest of a parameter map for audit
// records. encoding/json sorts map keys, so the digest is canonical for
// equal maps regardless of construction order. Raw parameter values never
// enter the audit trail.
func ParamDigest(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "unencodable"
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
