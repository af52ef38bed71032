// Package clock lets the chat engine schedule its timers (heartbeats,
// reconnect delay, typing debounce, recording cap) through an injectable
// time source. Production code uses Real; tests use Fake and advance time
// explicitly.
package clock

import "time"

// Clock abstracts the time operations the engine needs
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once d has elapsed unless the returned Timer is
	// stopped first.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call
type Timer interface {
	// Stop prevents the call. It reports false if the call already ran or
	// the timer was already stopped.
	Stop() bool
}

type realClock struct{}

// Real returns a Clock backed by package time
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
