// Package ids generates the opaque durable identities the store assigns on
// Insert. Positions get a short base62 token derived from a uuid so IDs are
// compact in logs and badger keys but still collision-resistant.
package ids

import (
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// NewPositionID returns a fresh opaque durable identity.
func NewPositionID() string {
	u := uuid.New()
	return base62.EncodeToString(u[:])
}
