package services

import "time"

// Clock abstracts wall-clock time and one-shot timers
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable one-shot timer
type Timer interface {
	Stop() bool
}

type realClock struct{}

// SystemClock returns a Clock backed by the time package
func SystemClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
