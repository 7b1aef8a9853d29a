package store

import "time"

// Clock returns the current time in Unix seconds. The store never calls
// time.Now directly so tests can substitute a fake.
type Clock interface {
	Now() int64
}

type wallClock struct{}

func (wallClock) Now() int64 {
	return time.Now().Unix()
}

// WallClock returns the Clock backed by the system time.
func WallClock() Clock {
	return wallClock{}
}
