package xid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed identifier such as "flw-3f0c9d2e8a7b4c1d9e2f0a1b2c3d4e5f".
// Identifiers are random, so sorting by them carries no temporal meaning.
func New(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return fmt.Sprintf("%s-%s", prefix, id)
}
