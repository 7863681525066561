package artifacts

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDSource hands out ULIDs that sort by creation time and stay strictly
// increasing within the same millisecond.
type IDSource struct {
	mu      sync.Mutex
	entropy io.Reader
}

// NewIDSource returns an IDSource seeded from crypto/rand.
func NewIDSource() *IDSource {
	return &IDSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// New returns the next id.
func (s *IDSource) New() ulid.ULID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy)
}

var defaultIDs = NewIDSource()

// NewID returns a fresh id from the package-wide source.
func NewID() string {
	return defaultIDs.New().String()
}
