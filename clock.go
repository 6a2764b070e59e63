package chatsync

import "time"

// Timer is a cancellable scheduled task.
type Timer interface {
	// Stop cancels the task. It reports whether the call prevented it from running.
	Stop() bool
}

// Clock supplies the current time and schedules tasks. Tests substitute a
// manual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}
