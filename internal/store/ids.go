package store

import (
	"strings"

	"github.com/google/uuid"
)

// GenID returns a 128-bit random identifier as 32 lowercase hex chars.
// Collision-free across concurrent creators.
func GenID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
