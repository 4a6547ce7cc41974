// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC so persisted timestamps compare
// equal across hosts.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
