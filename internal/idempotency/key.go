package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"mailqueue/internal/models"
)

// Criteria identifies one logical email event. Two enqueues of the same
// logical event must produce identical criteria.
type Criteria struct {
	UserID           string
	EmailType        models.EmailType
	UniqueIdentifier string
	EmailTo          string
}

// Key returns the deterministic fingerprint for the criteria: the hex SHA-256
// of the "|"-joined fields with the recipient address normalized. Pure, no
// side effects; any single differing field yields a different key.
func (c Criteria) Key() string {
	to := strings.ToLower(strings.TrimSpace(c.EmailTo))
	raw := strings.Join([]string{c.UserID, string(c.EmailType), c.UniqueIdentifier, to}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
