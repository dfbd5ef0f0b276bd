package eventbus

import "time"

// Clock abstracts wall-clock time so tests can control "now" without
// sleeping. Grounded on the teacher pack's injected `clock func() time.Time`
// field (duckmesh's postgres.IngestBus).
type Clock func() time.Time

// RealClock returns the system wall clock, UTC.
func RealClock() time.Time {
	return time.Now().UTC()
}

// FixedClock returns a Clock that always reports t, for deterministic tests.
func FixedClock(t time.Time) Clock {
	return func() time.Time { return t.UTC() }
}
