package session

import (
	"fmt"
	"sync"
	"time"

	"schroot/internal/chroot"
	"schroot/internal/devicelock"
)

// DeviceLocker implements chroot.Locker, mapping each device path to its
// own devicelock.Lock. One session process may hold several locks at once
// (e.g. an LvmSnapshot's origin and, later, its snapshot device), so this
// keeps a small live set rather than one lock per Chroot.
type DeviceLocker struct {
	lockDir string
	mu      sync.Mutex
	locks   map[string]*devicelock.Lock
}

// NewDeviceLocker returns a DeviceLocker whose lock files live under dir.
func NewDeviceLocker(dir string) *DeviceLocker {
	return &DeviceLocker{lockDir: dir, locks: make(map[string]*devicelock.Lock)}
}

var _ chroot.Locker = (*DeviceLocker)(nil)

// Lock acquires the device lock in the requested mode, blocking up to
// timeout.
func (d *DeviceLocker) Lock(device string, exclusive bool, timeout time.Duration) error {
	d.mu.Lock()
	l, ok := d.locks[device]
	if !ok {
		var err error
		l, err = devicelock.New(device, d.lockDir)
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("prepare lock for %s: %w", device, err)
		}
		d.locks[device] = l
	}
	d.mu.Unlock()

	kind := devicelock.Shared
	if exclusive {
		kind = devicelock.Exclusive
	}
	return l.Acquire(kind, timeout)
}

// Unlock releases a previously acquired lock. It is a no-op, not an error,
// for a device this locker never locked, and a lock this process no longer
// holds is treated the same way, so teardown paths may release a device
// more than once without failing.
func (d *DeviceLocker) Unlock(device string) error {
	d.mu.Lock()
	l, ok := d.locks[device]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if err := l.Release(); err != nil {
		if _, notHeld := err.(*devicelock.NotHeldError); notHeld {
			return nil
		}
		return err
	}
	return nil
}
