package cryptox

import (
	"crypto/sha256"
	"encoding/base64"
)

// Fingerprint returns a short deterministic digest of a token suitable for
// logs and journal rows. It is one-way: holding a fingerprint never grants
// access, but equal tokens always produce equal fingerprints.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}
