// Package hash provides the hex digests used to derive identifiers.
package hash

import (
	"crypto/sha1"
	"encoding/hex"
)

// SHA1 returns the hex SHA-1 digest of s. Sites expose local query and
// document IDs to the platform in this form.
func SHA1(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}
