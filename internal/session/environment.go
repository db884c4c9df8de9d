package session

import "strings"

// preservedAllowlist names the caller environment variables that survive
// into the exec'd program when --preserve-environment is given. Even a
// caller who is trusted enough to authenticate must not be able to smuggle
// LD_PRELOAD or similar into a process about to run as another uid inside
// the chroot — adapted from the teacher's environment allowlist/blocklist
// split (originally guarding a container escape, here guarding a setuid
// boundary).
var preservedAllowlist = map[string]bool{
	"PATH":     true,
	"LANG":     true,
	"LANGUAGE": true,
	"LC_ALL":   true,
	"TERM":     true,
	"HOME":     true,
	"USER":     true,
	"SHELL":    true,
}

var preservedBlocklist = map[string]bool{
	"LD_PRELOAD":      true,
	"LD_LIBRARY_PATH": true,
	"LD_AUDIT":        true,
	"IFS":             true,
}

// ScrubPreservedEnvironment filters a caller's inherited environment down
// to the variables safe to carry into the chroot when the caller asked to
// preserve their environment.
func ScrubPreservedEnvironment(env []string) []string {
	scrubbed := make([]string, 0, len(env))
	for _, entry := range env {
		key := envKey(entry)
		if preservedBlocklist[key] {
			continue
		}
		if preservedAllowlist[key] {
			scrubbed = append(scrubbed, entry)
		}
	}
	return scrubbed
}

func envKey(entry string) string {
	if idx := strings.IndexByte(entry, '='); idx >= 0 {
		return entry[:idx]
	}
	return entry
}

// minimalEnvironment is used when the caller does not preserve their
// environment: only what PAM and the chroot setup contribute.
func minimalEnvironment(shell, home, user string) []string {
	return []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"SHELL=" + shell,
		"HOME=" + home,
		"USER=" + user,
		"LOGNAME=" + user,
	}
}
