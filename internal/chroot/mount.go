package chroot

import "github.com/moby/sys/mountinfo"

// Mounted reports whether path is currently a mountpoint, per /proc/self/
// mountinfo. BlockDevice and LvmSnapshot use this to annotate --info output
// and to let --recover-session tell whether the mount step of setup still
// needs to run.
func Mounted(path string) (bool, error) {
	return mountinfo.Mounted(path)
}
