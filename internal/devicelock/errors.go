package devicelock

import "fmt"

// TimeoutError is returned by Acquire when the lock could not be obtained
// before the deadline because an incompatible holder is still alive.
type TimeoutError struct {
	Device string
	Holder int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out locking %s (held by pid %d)", e.Device, e.Holder)
}

// NotHeldError is returned by Release when the calling process does not
// hold the lock it is trying to release.
type NotHeldError struct {
	Device string
}

func (e *NotHeldError) Error() string {
	return fmt.Sprintf("device %s is not locked by this process", e.Device)
}
