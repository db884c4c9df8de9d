package session

import "testing"

func TestDeviceLockerLockUnlockRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewDeviceLocker(dir)

	if err := l.Lock("/dev/vg/test", true, 0); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := l.Unlock("/dev/vg/test"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	// Re-acquiring after release must succeed; the fcntl lock and the
	// on-disk record were both cleared.
	if err := l.Lock("/dev/vg/test", true, 0); err != nil {
		t.Fatalf("re-Lock: %v", err)
	}
}

func TestDeviceLockerUnlockUntrackedDeviceIsNoop(t *testing.T) {
	l := NewDeviceLocker(t.TempDir())
	if err := l.Unlock("/dev/vg/never-locked"); err != nil {
		t.Fatalf("Unlock on untracked device: %v", err)
	}
}

func TestDeviceLockerHoldsMultipleDevicesConcurrently(t *testing.T) {
	dir := t.TempDir()
	l := NewDeviceLocker(dir)

	if err := l.Lock("/dev/vg/origin", true, 0); err != nil {
		t.Fatalf("Lock origin: %v", err)
	}
	if err := l.Lock("/dev/vg/snap", true, 0); err != nil {
		t.Fatalf("Lock snapshot: %v", err)
	}
	if err := l.Unlock("/dev/vg/origin"); err != nil {
		t.Fatalf("Unlock origin: %v", err)
	}
	if err := l.Unlock("/dev/vg/snap"); err != nil {
		t.Fatalf("Unlock snapshot: %v", err)
	}
}
