// Package system is the wall clock behind harvest.Clock. Retrieval times,
// stage outcomes and run summaries are all stamped in UTC.
package system

import "time"

// Clock reads the wall clock.
type Clock struct{}

// New returns a wall clock.
func New() *Clock { return &Clock{} }

// Now implements harvest.Clock.
func (*Clock) Now() time.Time { return time.Now().UTC() }
