package payment

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a fresh uuid string for entity primary keys.
func NewID() string {
	return uuid.NewString()
}

// NewReference returns a prefixed short reference like TXN-a1b2c3d4e5f6,
// readable enough for support tickets while staying collision-resistant.
func NewReference(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + raw[:12]
}
