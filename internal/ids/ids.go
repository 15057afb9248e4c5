package ids

import "github.com/oklog/ulid/v2"

// New returns a lexicographically sortable identifier suitable for
// storage keys and audit entries.
func New() string {
	return ulid.Make().String()
}
