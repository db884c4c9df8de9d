package chroot

import (
	"io"
	"path/filepath"
	"time"

	"schroot/internal/keyfile"
)

// LvmSnapshot extends BlockDevice with a snapshot LV created for the
// session's lifetime. The effective device is the origin at SetupStart and
// the snapshot for every phase after, mirroring the real disk layout: the
// snapshot does not exist yet when the origin needs to be locked to create
// it, and the origin is no longer relevant once the snapshot exists.
type LvmSnapshot struct {
	BlockDevice
	SnapshotDevice  string
	SnapshotOptions string
}

func (l *LvmSnapshot) ChrootType() string { return "lvm-snapshot" }

func (l *LvmSnapshot) MountDevice() string {
	if l.base.Active {
		return l.SnapshotDevice
	}
	return l.Device
}

func (l *LvmSnapshot) SetupEnv(env *Environment) {
	l.base.setupEnv(env, l.ChrootType(), l.MountLoc)
	env.Set("CHROOT_DEVICE", l.Device)
	env.Set("CHROOT_MOUNT_LOCATION", l.MountLoc)
	env.Set("CHROOT_MOUNT_OPTIONS", l.MountOptions)
	env.Set("CHROOT_LVM_SNAPSHOT_NAME", filepath.Base(l.SnapshotDevice))
	env.Set("CHROOT_LVM_SNAPSHOT_DEVICE", l.SnapshotDevice)
	env.Set("CHROOT_LVM_SNAPSHOT_OPTIONS", l.SnapshotOptions)
}

// SetupLock implements the LvmSnapshot locking and session-persistence
// policy (spec §4.2): the origin device is locked at SetupStart to create
// the snapshot, the snapshot device is locked at SetupStop/acquire=true, and
// the unlock at SetupStop/acquire=false is skipped because the setup script has
// already destroyed the snapshot device by that point — stat'ing it would
// fail.
func (l *LvmSnapshot) SetupLock(phase Phase, acquire bool, locker Locker, persist SessionPersister, timeout time.Duration) error {
	switch {
	case phase == SetupStart && acquire:
		if err := locker.Lock(l.Device, true, timeout); err != nil {
			return err
		}
		if persist != nil {
			return persist.WriteSessionInfo(l)
		}
		return nil
	case phase == SetupStop && acquire:
		return locker.Lock(l.SnapshotDevice, true, timeout)
	case phase == SetupStop && !acquire:
		// The snapshot device was already destroyed by the setup script;
		// no lock file remains to release.
		if persist != nil {
			return persist.RemoveSessionInfo(l.base.Name)
		}
		return nil
	default:
		return nil
	}
}

func (l *LvmSnapshot) SessionFlags() SessionFlags { return CreateSession }

func (l *LvmSnapshot) Clone() Chroot {
	clone := *l
	clone.base = l.base.clone()
	return &clone
}

func (l *LvmSnapshot) FromKeyfile(kf *keyfile.KeyFile, group string) error {
	if err := l.BlockDevice.FromKeyfile(kf, group); err != nil {
		return err
	}
	snapPriority := keyfile.Disallowed
	if l.base.Active {
		snapPriority = keyfile.Required
	}
	if v, present, err := keyfile.Get(kf, group, "lvm-snapshot-device", snapPriority, keyfile.DecodePath); err != nil {
		return err
	} else if present {
		l.SnapshotDevice = v
	}
	if v, present, err := keyfile.Get(kf, group, "lvm-snapshot-options", keyfile.Required, keyfile.DecodeString); err != nil {
		return err
	} else if present {
		l.SnapshotOptions = v
	}
	return nil
}

func (l *LvmSnapshot) ToKeyfile(kf *keyfile.KeyFile, group string) {
	l.base.toKeyfile(kf, group, l.ChrootType())
	keyfile.SetValue(kf, group, "device", l.Device, "")
	if l.MountOptions != "" {
		keyfile.SetValue(kf, group, "mount-options", l.MountOptions, "")
	}
	keyfile.SetValue(kf, group, "mount-location", l.MountLoc, "")
	if l.base.Active {
		keyfile.SetValue(kf, group, "lvm-snapshot-device", l.SnapshotDevice, "")
	}
	keyfile.SetValue(kf, group, "lvm-snapshot-options", l.SnapshotOptions, "")
}

func (l *LvmSnapshot) PrintDetails(w io.Writer) {
	l.base.printDetails(w, l.ChrootType(), l.MountLoc)
	printMountedLine(w, l.MountLoc)
}
