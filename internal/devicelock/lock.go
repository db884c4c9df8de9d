// Package devicelock implements the block-device locking protocol used to
// serialize session setup/teardown against a chroot's underlying device
// (e.g. an LVM snapshot origin). It layers a small on-disk record — the
// holder's pid and lock kind — on top of a real fcntl(2) advisory lock, so
// that a crashed holder's lock is both recoverable (by pid liveness check)
// and safe under real concurrent access (by the kernel-held lock itself).
package devicelock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"
)

// Kind is the mode a device lock is held in.
type Kind int

const (
	// Shared allows any number of concurrent holders, none of which may
	// modify the device.
	Shared Kind = iota
	// Exclusive allows exactly one holder, which may modify the device.
	Exclusive
)

func (k Kind) String() string {
	if k == Exclusive {
		return "exclusive"
	}
	return "shared"
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "shared":
		return Shared, nil
	case "exclusive":
		return Exclusive, nil
	default:
		return 0, fmt.Errorf("invalid lock kind %q", s)
	}
}

const pollInterval = 100 * time.Millisecond

// Lock guards a single device path. It is not safe for concurrent use by
// multiple goroutines in the same process; each session's device access is
// expected to hold at most one Lock per device.
type Lock struct {
	device   string
	lockPath string

	// pid and alive are overridable for tests, which cannot fork distinct
	// processes to exercise cross-pid contention or staleness recovery.
	pid   int
	alive func(pid int) bool

	fh   *os.File
	kind Kind
	held bool
}

// New returns a Lock for device, whose record is kept under lockDir. The
// on-disk file name is derived from the device path so that two callers
// naming the same device always contend on the same file.
func New(device, lockDir string) (*Lock, error) {
	name := strings.ReplaceAll(strings.TrimPrefix(device, "/"), "/", "_") + ".lock"
	path, err := securejoin.SecureJoin(lockDir, name)
	if err != nil {
		return nil, fmt.Errorf("resolve lock path for %s: %w", device, err)
	}
	return &Lock{
		device:   device,
		lockPath: path,
		pid:      os.Getpid(),
		alive:    processAlive,
	}, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but we can't signal it - still alive.
	return err == unix.EPERM
}

// Acquire obtains the lock in the given kind, waiting up to timeout for an
// incompatible holder to release or die. A zero timeout means try once and
// fail immediately without waiting.
func (l *Lock) Acquire(kind Kind, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, holder, err := l.tryAcquire(kind)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return &TimeoutError{Device: l.device, Holder: holder}
		}
		time.Sleep(pollInterval)
	}
}

// tryAcquire makes one attempt. It returns ok=true on success, or
// ok=false plus the pid currently holding an incompatible lock.
//
// A kernel refusal ordinarily means a live process holds the lock: exiting
// closes its fds and the fcntl lock goes with them. The exception is a
// holder that died while a grandchild kept its inherited fd open — the
// lock survives the crash even though the recorded pid is dead. When the
// record's pid is not alive, tryAcquire steals the lock by replacing the
// file: a fresh inode at the same path carries no lock at all, so the
// grandchild's stale fd can no longer block anyone.
func (l *Lock) tryAcquire(kind Kind) (ok bool, holder int, err error) {
	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0755); err != nil {
		return false, 0, fmt.Errorf("create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		acquired, existingPID, stale, err := l.tryAcquireOnce(kind)
		if err != nil {
			return false, 0, err
		}
		if acquired {
			return true, 0, nil
		}
		if attempt == 0 && stale {
			os.Remove(l.lockPath)
			continue
		}
		return false, existingPID, nil
	}
	return false, 0, nil
}

// tryAcquireOnce opens the lock file and makes a single fcntl attempt.
// stale reports whether the refusal came from a record whose pid is no
// longer alive, meaning a retry after unlinking the file may succeed.
func (l *Lock) tryAcquireOnce(kind Kind) (acquired bool, holder int, stale bool, err error) {
	fh, err := os.OpenFile(l.lockPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return false, 0, false, fmt.Errorf("open lock file %s: %w", l.lockPath, err)
	}
	defer func() {
		if !acquired {
			fh.Close()
		}
	}()

	// The fcntl lock on the file itself is the real exclusion primitive:
	// F_RDLCK permits other readers, F_WRLCK excludes everyone. It is held
	// for the lifetime of the logical lock, not just this critical section.
	flockKind := int16(unix.F_RDLCK)
	if kind == Exclusive {
		flockKind = unix.F_WRLCK
	}
	flockErr := unix.FcntlFlock(fh.Fd(), unix.F_SETLK, &unix.Flock_t{
		Type:   flockKind,
		Whence: int16(os.SEEK_SET),
	})

	if flockErr == nil {
		// The kernel granted the lock outright. Refresh the informational
		// record and return success; a stale record from a dead holder is
		// simply overwritten here too.
		if err := writeRecord(fh, l.pid, kind); err != nil {
			unix.FcntlFlock(fh.Fd(), unix.F_SETLK, &unix.Flock_t{Type: unix.F_UNLCK})
			return false, 0, false, err
		}
		l.fh, l.kind, l.held = fh, kind, true
		return true, 0, false, nil
	}

	existingPID, _, recordErr := readRecord(fh)
	if recordErr != nil {
		return false, 0, false, nil
	}
	return false, existingPID, !l.alive(existingPID), nil
}

// Release drops the lock and removes the on-disk record. It fails with
// NotHeldError if this Lock is not currently the holder.
func (l *Lock) Release() error {
	if !l.held {
		return &NotHeldError{Device: l.device}
	}
	defer func() {
		l.fh.Close()
		l.fh = nil
		l.held = false
	}()

	pid, _, err := readRecord(l.fh)
	if err == nil && pid != l.pid {
		return &NotHeldError{Device: l.device}
	}

	if err := l.fh.Truncate(0); err != nil {
		return fmt.Errorf("clear lock record: %w", err)
	}
	if err := unix.FcntlFlock(l.fh.Fd(), unix.F_SETLK, &unix.Flock_t{Type: unix.F_UNLCK}); err != nil {
		return fmt.Errorf("unlock %s: %w", l.lockPath, err)
	}
	os.Remove(l.lockPath)
	return nil
}

// Held reports whether this Lock instance currently holds the device lock.
func (l *Lock) Held() bool { return l.held }

func readRecord(fh *os.File) (pid int, kind Kind, err error) {
	if _, err := fh.Seek(0, os.SEEK_SET); err != nil {
		return 0, 0, err
	}
	buf := make([]byte, 256)
	n, err := fh.Read(buf)
	if n == 0 {
		return 0, 0, fmt.Errorf("empty lock record")
	}
	lines := strings.SplitN(strings.TrimRight(string(buf[:n]), "\n"), "\n", 2)
	if len(lines) != 2 {
		return 0, 0, fmt.Errorf("malformed lock record")
	}
	pid, perr := strconv.Atoi(lines[0])
	if perr != nil {
		return 0, 0, fmt.Errorf("malformed lock record pid: %w", perr)
	}
	k, kerr := parseKind(lines[1])
	if kerr != nil {
		return 0, 0, kerr
	}
	return pid, k, nil
}

func writeRecord(fh *os.File, pid int, kind Kind) error {
	if err := fh.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock record: %w", err)
	}
	if _, err := fh.Seek(0, os.SEEK_SET); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(fh, "%d\n%s\n", pid, kind); err != nil {
		return fmt.Errorf("write lock record: %w", err)
	}
	return fh.Sync()
}
