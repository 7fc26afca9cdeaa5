package turn

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CommitmentHash computes the hex-encoded SHA-256 commitment for an action
// and nonce. Clients compute the same hash during the commitment phase;
// RevealAction recomputes it to verify the reveal.
func CommitmentHash(action json.RawMessage, nonce string) string {
	h := sha256.New()
	h.Write(action)
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}
