// Package clock provides the process-wide time source used for upload task
// timestamps and auth token issue/expiry times, so tests can freeze time
// instead of racing the wall clock.
package clock

import "github.com/jonboulle/clockwork"

var source = clockwork.NewRealClock()

// SetClock swaps the time source. Pass nil to reset to the real clock.
func SetClock(c clockwork.Clock) {
	if c == nil {
		source = clockwork.NewRealClock()
		return
	}
	source = c
}

// Now returns the current time from the active time source.
func Now() clockwork.Clock {
	return source
}
