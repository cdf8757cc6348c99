package distri

import "github.com/google/uuid"

// newID returns a prefixed, collision-resistant identifier for messages,
// threads, and similar entities.
func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
