// Package privdrop wraps the raw syscalls used by the session fork-child
// to leave the privileged region: setgid, supplementary groups, chroot,
// setuid, and the verifying re-setuid(0) that must fail once privilege has
// actually been dropped. These map directly onto the reference
// implementation's setgid(2)/initgroups(3)/chroot(2)/setuid(2) sequence.
package privdrop

import (
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// Chroot changes the process root to path. The caller must already have
// chdir'd into path, or do so immediately after — the syscall alone does
// not change the current working directory.
func Chroot(path string) error {
	if err := unix.Chroot(path); err != nil {
		return fmt.Errorf("chroot %s: %w", path, err)
	}
	return nil
}

// Chdir changes the current working directory.
func Chdir(path string) error {
	if err := unix.Chdir(path); err != nil {
		return fmt.Errorf("chdir %s: %w", path, err)
	}
	return nil
}

// Setgid sets the real, effective and saved group id.
func Setgid(gid int) error {
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid %d: %w", gid, err)
	}
	return nil
}

// Initgroups sets the supplementary group list for username to the groups
// it belongs to in the passwd/group database, as initgroups(3) does. gid
// is added if the lookup does not already include it (matching glibc,
// which always includes the user's primary group).
func Initgroups(username string, gid int) error {
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("lookup user %s: %w", username, err)
	}
	idStrs, err := u.GroupIds()
	if err != nil {
		return fmt.Errorf("lookup groups for %s: %w", username, err)
	}

	seen := make(map[int]bool, len(idStrs)+1)
	gids := make([]int, 0, len(idStrs)+1)
	add := func(id int) {
		if !seen[id] {
			seen[id] = true
			gids = append(gids, id)
		}
	}
	add(gid)
	for _, s := range idStrs {
		id, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		add(id)
	}

	if err := unix.Setgroups(gids); err != nil {
		return fmt.Errorf("setgroups %v: %w", gids, err)
	}
	return nil
}

// Setuid sets the real, effective and saved user id.
func Setuid(uid int) error {
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}
	return nil
}

// VerifyDropped re-attempts setuid(0) after Setuid(targetUID) and requires
// it to fail unless targetUID is itself 0. A successful setuid(0) here
// means privilege was not actually dropped and must be treated as fatal —
// no code path may reach execve past this check.
func VerifyDropped(targetUID int) error {
	err := unix.Setuid(0)
	if targetUID == 0 {
		return nil
	}
	if err == nil {
		return fmt.Errorf("setuid(0) unexpectedly succeeded after dropping to uid %d", targetUID)
	}
	return nil
}

// Personality identifies a kernel execution domain by the name used in
// chroot configuration (e.g. "linux32").
type Personality uint32

// Linux personality values (see <sys/personality.h>). Only the small set
// schroot configurations actually use is enumerated.
const (
	PerLinux   Personality = 0x0000
	PerLinux32 Personality = 0x0008
)

var personalityNames = map[string]Personality{
	"":         PerLinux,
	"linux":    PerLinux,
	"linux32":  PerLinux32,
}

// LookupPersonality resolves a configured personality name to its kernel
// value.
func LookupPersonality(name string) (Personality, error) {
	p, ok := personalityNames[name]
	if !ok {
		return 0, fmt.Errorf("unknown personality %q", name)
	}
	return p, nil
}

// SetPersonality applies a kernel personality to the calling process. A
// zero-value PerLinux is the default and setting it is a harmless no-op.
func SetPersonality(p Personality) error {
	_, _, errno := unix.Syscall(unix.SYS_PERSONALITY, uintptr(p), 0, 0)
	if errno != 0 {
		return fmt.Errorf("personality(%d): %w", p, errno)
	}
	return nil
}
