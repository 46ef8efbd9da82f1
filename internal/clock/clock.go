// Package clock abstracts time so heartbeats and timeouts can be driven by tests.
package clock

import "time"

// Timer is a scheduled one-shot function
type Timer interface {
	// Stop prevents the function from running; returns false if it already ran or was stopped
	Stop() bool
}

// Ticker delivers periodic ticks on C
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock provides the current time and scheduling
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
}

// Real is the wall clock
type Real struct{}

// New returns the wall clock
func New() Clock {
	return Real{}
}

// Now implements Clock
func (Real) Now() time.Time {
	return time.Now()
}

// AfterFunc implements Clock
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// NewTicker implements Clock
func (Real) NewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
