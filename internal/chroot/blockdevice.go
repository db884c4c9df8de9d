package chroot

import (
	"fmt"
	"io"
	"time"

	"schroot/internal/keyfile"
)

// BlockDevice is a chroot mounted from a block device for the session's
// duration. Locking brackets the setup/teardown transitions; the lock is
// held, not reacquired, across the run itself.
type BlockDevice struct {
	base          Base
	Device        string
	MountOptions  string
	MountLoc      string
}

func (b *BlockDevice) Base() *Base           { return &b.base }
func (b *BlockDevice) ChrootType() string    { return "block-device" }
func (b *BlockDevice) MountLocation() string { return b.MountLoc }
func (b *BlockDevice) MountDevice() string   { return b.Device }

func (b *BlockDevice) SetupEnv(env *Environment) {
	b.base.setupEnv(env, b.ChrootType(), b.MountLoc)
	env.Set("CHROOT_DEVICE", b.Device)
	env.Set("CHROOT_MOUNT_LOCATION", b.MountLoc)
	env.Set("CHROOT_MOUNT_OPTIONS", b.MountOptions)
}

// SetupLock implements the BlockDevice locking policy: an exclusive lock
// is taken at SetupStart/true and SetupStop/true, and dropped at the
// corresponding release phases. RunStart/RunStop are no-ops — the lock is
// held continuously across the run. timeout is the caller-configured
// device lock wait (spec §5).
func (b *BlockDevice) SetupLock(phase Phase, acquire bool, locker Locker, persist SessionPersister, timeout time.Duration) error {
	return b.setupLockDevice(b.Device, phase, acquire, locker, timeout)
}

func (b *BlockDevice) setupLockDevice(device string, phase Phase, acquire bool, locker Locker, timeout time.Duration) error {
	switch {
	case phase == SetupStart && acquire, phase == SetupStop && acquire:
		return locker.Lock(device, true, timeout)
	case phase == SetupStop && !acquire:
		return locker.Unlock(device)
	default:
		return nil
	}
}

func (b *BlockDevice) SessionFlags() SessionFlags { return NoSessionFlags }

func (b *BlockDevice) Clone() Chroot {
	clone := *b
	clone.base = b.base.clone()
	return &clone
}

func (b *BlockDevice) FromKeyfile(kf *keyfile.KeyFile, group string) error {
	if err := b.base.fromKeyfile(kf, group); err != nil {
		return err
	}
	if v, present, err := keyfile.Get(kf, group, "device", keyfile.Required, keyfile.DecodePath); err != nil {
		return err
	} else if present {
		b.Device = v
	}
	if v, _, err := keyfile.Get(kf, group, "mount-options", keyfile.Optional, keyfile.DecodeString); err != nil {
		return err
	} else {
		b.MountOptions = v
	}
	if v, present, err := keyfile.Get(kf, group, "mount-location", keyfile.Required, keyfile.DecodePath); err != nil {
		return err
	} else if present {
		b.MountLoc = v
	}
	return nil
}

func (b *BlockDevice) ToKeyfile(kf *keyfile.KeyFile, group string) {
	b.base.toKeyfile(kf, group, b.ChrootType())
	keyfile.SetValue(kf, group, "device", b.Device, "")
	if b.MountOptions != "" {
		keyfile.SetValue(kf, group, "mount-options", b.MountOptions, "")
	}
	keyfile.SetValue(kf, group, "mount-location", b.MountLoc, "")
}

func (b *BlockDevice) PrintDetails(w io.Writer) {
	b.base.printDetails(w, b.ChrootType(), b.MountLoc)
	printMountedLine(w, b.MountLoc)
}

// printMountedLine annotates --info output with whether location is
// currently mounted, so an operator can tell a stale block-device chroot
// from one whose setup step already ran.
func printMountedLine(w io.Writer, location string) {
	mounted, err := Mounted(location)
	switch {
	case err != nil:
		fmt.Fprintf(w, "  %-20s %s\n", "Mounted", "unknown")
	case mounted:
		fmt.Fprintf(w, "  %-20s %s\n", "Mounted", "yes")
	default:
		fmt.Fprintf(w, "  %-20s %s\n", "Mounted", "no")
	}
}
