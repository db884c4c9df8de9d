package devicelock

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestLock(t *testing.T, dir string, pid int) *Lock {
	t.Helper()
	l, err := New(filepath.Join(dir, "dev-fake"), dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.pid = pid
	l.alive = func(int) bool { return true }
	return l
}

func TestSharedSharedCompatible(t *testing.T) {
	dir := t.TempDir()
	a := newTestLock(t, dir, 100)
	b := newTestLock(t, dir, 200)

	if err := a.Acquire(Shared, 0); err != nil {
		t.Fatalf("a.Acquire(Shared): %v", err)
	}
	if err := b.Acquire(Shared, 0); err != nil {
		t.Fatalf("b.Acquire(Shared): %v", err)
	}
	if err := a.Release(); err != nil {
		t.Fatalf("a.Release: %v", err)
	}
	if err := b.Release(); err != nil {
		t.Fatalf("b.Release: %v", err)
	}
}

func TestExclusiveBlocksOthers(t *testing.T) {
	dir := t.TempDir()
	a := newTestLock(t, dir, 100)
	b := newTestLock(t, dir, 200)

	if err := a.Acquire(Exclusive, 0); err != nil {
		t.Fatalf("a.Acquire(Exclusive): %v", err)
	}
	if err := b.Acquire(Shared, 0); err == nil {
		t.Fatal("expected b.Acquire(Shared) to fail while a holds Exclusive")
	}

	if err := a.Release(); err != nil {
		t.Fatalf("a.Release: %v", err)
	}
	if err := b.Acquire(Shared, 0); err != nil {
		t.Fatalf("b.Acquire(Shared) after release: %v", err)
	}
	b.Release()
}

func TestAcquireTimesOut(t *testing.T) {
	dir := t.TempDir()
	a := newTestLock(t, dir, 100)
	b := newTestLock(t, dir, 200)

	if err := a.Acquire(Exclusive, 0); err != nil {
		t.Fatalf("a.Acquire(Exclusive): %v", err)
	}
	defer a.Release()

	start := time.Now()
	err := b.Acquire(Exclusive, 250*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if _, ok := err.(*TimeoutError); !ok {
		t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("returned too quickly: %v", elapsed)
	}
}

func TestReleaseNotHeld(t *testing.T) {
	dir := t.TempDir()
	a := newTestLock(t, dir, 100)
	if err := a.Release(); err == nil {
		t.Fatal("expected NotHeldError")
	} else if _, ok := err.(*NotHeldError); !ok {
		t.Fatalf("expected *NotHeldError, got %T", err)
	}
}

func TestStaleRecordIsRecoveredAfterCrash(t *testing.T) {
	dir := t.TempDir()
	a := newTestLock(t, dir, 100)
	if err := a.Acquire(Exclusive, 0); err != nil {
		t.Fatalf("a.Acquire: %v", err)
	}
	// Simulate a's process dying without releasing: closing the fd (which
	// a real process exit would do) drops the kernel-held fcntl lock, but
	// the on-disk record still names the dead pid.
	a.fh.Close()

	b := newTestLock(t, dir, 200)
	b.alive = func(pid int) bool { return pid != 100 }
	if err := b.Acquire(Exclusive, 0); err != nil {
		t.Fatalf("b.Acquire after a's crash: %v", err)
	}
	b.Release()
}
