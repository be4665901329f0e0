package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/cuemby/agentmesh/pkg/coreerr"
)

// IntegrityKey derives the message integrity key for a cluster, kept
// separate from the session-signing key so a leaked JWT secret doesn't
// also expose the wire-integrity key.
func IntegrityKey(clusterID string) []byte {
	hash := sha256.Sum256([]byte("integrity:" + clusterID))
	return hash[:]
}

// TagMessage computes the HMAC-SHA256 integrity tag over a message's
// wire-encoded body, appended to every frame the router emits.
func TagMessage(key, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil)
}

// VerifyMessageTag recomputes the HMAC over body and compares it against
// tag in constant time, returning ErrHMACFailure on mismatch.
func VerifyMessageTag(key, body, tag []byte) error {
	expected := TagMessage(key, body)
	if !hmac.Equal(expected, tag) {
		return fmt.Errorf("message integrity tag mismatch: %w", coreerr.ErrHMACFailure)
	}
	return nil
}
