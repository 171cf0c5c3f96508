package domain

import "time"

// Clock supplies the current instant. Injecting it instead of calling
// time.Now directly keeps due-date and expiry logic testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by the wall clock, in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
