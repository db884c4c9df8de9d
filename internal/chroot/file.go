package chroot

import (
	"io"
	"time"

	"schroot/internal/keyfile"
)

// File is a chroot unpacked from an archive into a directory for the
// session's duration. The archive itself is locked exclusively while
// setup scripts unpack and, later, remove the unpacked tree.
type File struct {
	base     Base
	Path     string
	Location string
}

func (f *File) Base() *Base           { return &f.base }
func (f *File) ChrootType() string    { return "file" }
func (f *File) MountLocation() string { return f.Location }
func (f *File) MountDevice() string   { return "" }

func (f *File) SetupEnv(env *Environment) {
	f.base.setupEnv(env, f.ChrootType(), f.Location)
	env.Set("CHROOT_FILE", f.Path)
}

func (f *File) SetupLock(phase Phase, acquire bool, locker Locker, persist SessionPersister, timeout time.Duration) error {
	switch {
	case phase == SetupStart && acquire:
		return locker.Lock(f.Path, true, timeout)
	case phase == SetupStop && !acquire:
		return locker.Unlock(f.Path)
	default:
		return nil
	}
}

func (f *File) SessionFlags() SessionFlags { return NoSessionFlags }

func (f *File) Clone() Chroot {
	clone := *f
	clone.base = f.base.clone()
	return &clone
}

func (f *File) FromKeyfile(kf *keyfile.KeyFile, group string) error {
	if err := f.base.fromKeyfile(kf, group); err != nil {
		return err
	}
	if v, present, err := keyfile.Get(kf, group, "file", keyfile.Required, keyfile.DecodePath); err != nil {
		return err
	} else if present {
		f.Path = v
	}
	if v, present, err := keyfile.Get(kf, group, "location", keyfile.Required, keyfile.DecodePath); err != nil {
		return err
	} else if present {
		f.Location = v
	}
	return nil
}

func (f *File) ToKeyfile(kf *keyfile.KeyFile, group string) {
	f.base.toKeyfile(kf, group, f.ChrootType())
	keyfile.SetValue(kf, group, "file", f.Path, "")
	keyfile.SetValue(kf, group, "location", f.Location, "")
}

func (f *File) PrintDetails(w io.Writer) {
	f.base.printDetails(w, f.ChrootType(), f.Location)
}
