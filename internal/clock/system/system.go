// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/sitecloner/internal/clone"
)

// Clock reads the host clock in UTC at microsecond precision, the resolution
// Postgres stores for timestamptz columns.
type Clock struct{}

var _ clone.Clock = Clock{}

// New returns the wall clock.
func New() Clock {
	return Clock{}
}

// Now implements clone.Clock.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
