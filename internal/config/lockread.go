package config

import (
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultLockTimeout is the config file lock wait a Registry uses unless
// overridden by settings (spec §5: 2s).
const DefaultLockTimeout = 2 * time.Second
const configLockPoll = 20 * time.Millisecond

// loadFile is the seam Registry.AddFile reads configuration through. It is
// a package variable, not a constant call to readLocked, so tests can
// substitute a version that skips the root-ownership check — a test
// process cannot chown fixture files to uid 0.
var loadFile = readLocked

// readLocked opens path per the spec §4.3 file loading protocol:
// O_RDONLY|O_NOFOLLOW, verified root-owned, non-world-writable, regular,
// read to EOF under a shared advisory lock acquired within timeout.
func readLocked(path string, timeout time.Duration) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, &FileOpenFailedError{Path: path, Err: err}
	}
	fh := os.NewFile(uintptr(fd), path)
	defer fh.Close()

	info, err := fh.Stat()
	if err != nil {
		return nil, &FileStatFailedError{Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &NotRegularFileError{Path: path}
	}
	if sys, ok := info.Sys().(*unix.Stat_t); ok {
		if sys.Uid != 0 {
			return nil, &NotOwnedByRootError{Path: path}
		}
	}
	if info.Mode().Perm()&0002 != 0 {
		return nil, &WorldWritableError{Path: path}
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.FcntlFlock(fh.Fd(), unix.F_SETLK, &unix.Flock_t{
			Type:   unix.F_RDLCK,
			Whence: int16(os.SEEK_SET),
		})
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, &LockTimeoutError{Path: path}
		}
		time.Sleep(configLockPoll)
	}
	defer unix.FcntlFlock(fh.Fd(), unix.F_SETLK, &unix.Flock_t{Type: unix.F_UNLCK})

	data, err := io.ReadAll(fh)
	if err != nil {
		return nil, &FileStatFailedError{Path: path, Err: err}
	}
	return data, nil
}
