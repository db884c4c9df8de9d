package chroot

import (
	"strings"
	"testing"
	"time"

	"schroot/internal/keyfile"
)

type fakeLocker struct {
	locked   map[string]bool
	lockErr  error
	calls    []string
}

func newFakeLocker() *fakeLocker { return &fakeLocker{locked: make(map[string]bool)} }

const testLockTimeout = 15 * time.Second

func (f *fakeLocker) Lock(device string, exclusive bool, timeout time.Duration) error {
	f.calls = append(f.calls, "lock:"+device)
	if f.lockErr != nil {
		return f.lockErr
	}
	f.locked[device] = true
	return nil
}

func (f *fakeLocker) Unlock(device string) error {
	f.calls = append(f.calls, "unlock:"+device)
	delete(f.locked, device)
	return nil
}

type fakePersister struct {
	written []string
	removed []string
}

func (f *fakePersister) WriteSessionInfo(c Chroot) error {
	f.written = append(f.written, c.Base().Name)
	return nil
}

func (f *fakePersister) RemoveSessionInfo(name string) error {
	f.removed = append(f.removed, name)
	return nil
}

func TestPlainRoundTrip(t *testing.T) {
	kf, err := keyfile.ParseString("[sid]\ngroups=sbuild\nlocation=/srv/chroot/sid\n")
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	c, err := FromKeyfileGroup(kf, "sid")
	if err != nil {
		t.Fatalf("FromKeyfileGroup: %v", err)
	}
	plain, ok := c.(*Plain)
	if !ok {
		t.Fatalf("expected *Plain, got %T", c)
	}
	if plain.Location != "/srv/chroot/sid" {
		t.Fatalf("Location = %q", plain.Location)
	}

	out := keyfile.New()
	c.ToKeyfile(out, "sid")
	c2, err := FromKeyfileGroup(out, "sid")
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	if c2.(*Plain).Location != plain.Location {
		t.Fatalf("round trip mismatch: %+v vs %+v", c2, plain)
	}
}

func TestPlainSetupEnv(t *testing.T) {
	kf, _ := keyfile.ParseString("[sid]\ngroups=sbuild\nlocation=/srv/chroot/sid\n")
	c, _ := FromKeyfileGroup(kf, "sid")
	env := NewEnvironment()
	c.SetupEnv(env)
	joined := strings.Join(env.List(), "\n")
	for _, want := range []string{"CHROOT_TYPE=plain", "CHROOT_NAME=sid", "CHROOT_LOCATION=/srv/chroot/sid"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in env, got %q", want, joined)
		}
	}
}

func TestBlockDeviceLockPolicy(t *testing.T) {
	kf, _ := keyfile.ParseString("[bd]\ntype=block-device\ngroups=sbuild\ndevice=/dev/vg/bd\nmount-location=/mnt/bd\n")
	c, err := FromKeyfileGroup(kf, "bd")
	if err != nil {
		t.Fatalf("FromKeyfileGroup: %v", err)
	}
	locker := newFakeLocker()

	if err := c.SetupLock(SetupStart, true, locker, nil, testLockTimeout); err != nil {
		t.Fatalf("SetupStart/true: %v", err)
	}
	if !locker.locked["/dev/vg/bd"] {
		t.Fatal("expected device locked after SetupStart/true")
	}

	// RunStart/RunStop are no-ops: the lock is preserved.
	if err := c.SetupLock(RunStart, true, locker, nil, testLockTimeout); err != nil {
		t.Fatalf("RunStart: %v", err)
	}
	if err := c.SetupLock(RunStop, false, locker, nil, testLockTimeout); err != nil {
		t.Fatalf("RunStop: %v", err)
	}
	if !locker.locked["/dev/vg/bd"] {
		t.Fatal("lock must survive RunStart/RunStop")
	}

	if err := c.SetupLock(SetupStop, false, locker, nil, testLockTimeout); err != nil {
		t.Fatalf("SetupStop/false: %v", err)
	}
	if locker.locked["/dev/vg/bd"] {
		t.Fatal("expected device unlocked after SetupStop/false")
	}
}

func TestLvmSnapshotSkipsUnlockAtSetupStop(t *testing.T) {
	kf, _ := keyfile.ParseString(
		"[snap]\ntype=lvm-snapshot\ngroups=sbuild\ndevice=/dev/vg/origin\nmount-location=/mnt/snap\nlvm-snapshot-options=--size 4G\n")
	c, err := FromKeyfileGroup(kf, "snap")
	if err != nil {
		t.Fatalf("FromKeyfileGroup: %v", err)
	}
	snap := c.(*LvmSnapshot)
	snap.base.Active = true
	snap.SnapshotDevice = "/dev/vg/snap-abc"

	locker := newFakeLocker()
	persist := &fakePersister{}

	if err := c.SetupLock(SetupStart, true, locker, persist, testLockTimeout); err != nil {
		t.Fatalf("SetupStart/true: %v", err)
	}
	if !locker.locked["/dev/vg/origin"] {
		t.Fatal("expected origin locked at SetupStart")
	}
	if len(persist.written) != 1 {
		t.Fatalf("expected SessionInfo written once, got %v", persist.written)
	}

	if err := c.SetupLock(SetupStop, true, locker, persist, testLockTimeout); err != nil {
		t.Fatalf("SetupStop/true: %v", err)
	}
	if !locker.locked["/dev/vg/snap-abc"] {
		t.Fatal("expected snapshot device locked at SetupStop/true")
	}

	// SetupStop/acquire=false must not attempt to unlock the snapshot
	// device — the setup script has already destroyed it.
	if err := c.SetupLock(SetupStop, false, locker, persist, testLockTimeout); err != nil {
		t.Fatalf("SetupStop/false: %v", err)
	}
	for _, call := range locker.calls {
		if call == "unlock:/dev/vg/snap-abc" {
			t.Fatal("must not unlock the destroyed snapshot device")
		}
	}
	if len(persist.removed) != 1 || persist.removed[0] != snap.base.Name {
		t.Fatalf("expected SessionInfo removed, got %v", persist.removed)
	}
}

func TestLvmSnapshotMountDeviceSwitchesOnActive(t *testing.T) {
	l := &LvmSnapshot{}
	l.Device = "/dev/vg/origin"
	l.SnapshotDevice = "/dev/vg/snap"

	if got := l.MountDevice(); got != l.Device {
		t.Fatalf("inactive MountDevice() = %q, want origin", got)
	}
	l.base.Active = true
	if got := l.MountDevice(); got != l.SnapshotDevice {
		t.Fatalf("active MountDevice() = %q, want snapshot", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	kf, _ := keyfile.ParseString("[sid]\ngroups=sbuild\naliases=a,b\nlocation=/srv/chroot/sid\n")
	c, _ := FromKeyfileGroup(kf, "sid")
	clone := c.Clone().(*Plain)
	clone.Base().Aliases[0] = "mutated"
	if c.Base().Aliases[0] == "mutated" {
		t.Fatal("clone must not share backing arrays with the original")
	}
}

func TestFileLocksArchive(t *testing.T) {
	kf, _ := keyfile.ParseString("[arc]\ntype=file\ngroups=sbuild\nfile=/srv/archives/sid.tar.gz\nlocation=/srv/chroot/sid\n")
	c, err := FromKeyfileGroup(kf, "arc")
	if err != nil {
		t.Fatalf("FromKeyfileGroup: %v", err)
	}
	locker := newFakeLocker()
	if err := c.SetupLock(SetupStart, true, locker, nil, testLockTimeout); err != nil {
		t.Fatalf("SetupStart/true: %v", err)
	}
	if !locker.locked["/srv/archives/sid.tar.gz"] {
		t.Fatal("expected archive locked")
	}
	if err := c.SetupLock(SetupStop, false, locker, nil, testLockTimeout); err != nil {
		t.Fatalf("SetupStop/false: %v", err)
	}
	if locker.locked["/srv/archives/sid.tar.gz"] {
		t.Fatal("expected archive unlocked")
	}
}

func TestUnknownChrootType(t *testing.T) {
	kf, _ := keyfile.ParseString("[weird]\ntype=teleport\ngroups=sbuild\n")
	if _, err := FromKeyfileGroup(kf, "weird"); err == nil {
		t.Fatal("expected error for unknown chroot type")
	}
}
