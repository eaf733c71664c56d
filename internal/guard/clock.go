// ABOUTME: Clock abstraction so the safety runtime's timers are testable
// ABOUTME: Real implementation delegates to the time package

package guard

import "time"

// Clock provides current time and timer scheduling. Tests inject a
// manual implementation to drive delayed execution deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is an armed callback that can be stopped before it fires.
type Timer interface {
	Stop() bool
}

// RealClock is the production Clock backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
