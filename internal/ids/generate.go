package ids

import (
	"crypto/sha256"
	"encoding/base32"
	"strings"
)

// DefaultLength is the standard length for generated IDs.
const DefaultLength = 12

// Generate creates a deterministic, lowercase base32 ID derived from input.
func Generate(input string, length int) string {
	hash := sha256.Sum256([]byte(input))
	encoded := base32.StdEncoding.EncodeToString(hash[:])
	if length <= 0 {
		return ""
	}
	if length > len(encoded) {
		length = len(encoded)
	}
	return strings.ToLower(encoded[:length])
}

// ForCharge returns the billing record ID for a session. A session has at
// most one charge, so the ID depends only on the session ID.
func ForCharge(sessionID string) string {
	return "chg-" + Generate("charge/"+sessionID, DefaultLength)
}
