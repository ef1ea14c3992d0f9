package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns an opaque identifier for entities created by the store.
func New() string {
	return uuid.NewString()
}

// NewSortable returns a lexicographically sortable identifier. Audit entries
// and sessions use these so insertion order is recoverable from the id alone.
func NewSortable() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
