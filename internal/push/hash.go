package push

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// RoutingHash derives the privacy-preserving conversation address sent
// to the vendor gateway: the first 32 hex characters of SHA-256 over
// the lowercase canonical UUID string. The lowercase canonicalization
// is mandatory; clients on other platforms compute the same hash and
// the bytes must agree.
func RoutingHash(id uuid.UUID) string {
	sum := sha256.Sum256([]byte(strings.ToLower(id.String())))
	return hex.EncodeToString(sum[:])[:32]
}
