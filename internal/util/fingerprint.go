package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns a short hex SHA-256 prefix of b, safe to log in
// place of secret material. Empty input yields "".
func Fingerprint(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:6])
}
