// Package ids provides the clock and id primitives shared by every
// component: a single monotonic-safe source of "now", and stable opaque
// identifiers for events, deliveries, attempts, and silences.
package ids

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time so evaluation and dispatch ticks can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock returns the real, UTC-normalized current time.
type SystemClock struct{}

// Now returns the current UTC time truncated to microsecond precision, the
// resolution Postgres timestamptz actually stores.
func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// FixedClock is a Clock that always returns the same instant; used in tests.
type FixedClock struct {
	At time.Time
}

// Now returns the fixed instant.
func (f FixedClock) Now() time.Time { return f.At.UTC() }

// New returns a fresh opaque identifier suitable for any entity id in the
// system (outbox item id, delivery id, attempt id, silence id, event id).
func New() string {
	return uuid.New().String()
}

// NewUUID returns a fresh google/uuid value for columns typed as native
// Postgres uuid rather than opaque text.
func NewUUID() uuid.UUID {
	return uuid.New()
}
