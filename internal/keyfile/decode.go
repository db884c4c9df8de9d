package keyfile

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// DecodeString returns the raw value unchanged.
func DecodeString(s string) (string, error) { return s, nil }

// DecodeBool parses true/false/yes/no/0/1, case-insensitively, matching
// the C-locale boolean grammar used throughout the configuration format.
func DecodeBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "1":
		return true, nil
	case "false", "no", "0":
		return false, nil
	default:
		return false, fmt.Errorf("not a boolean: %q", s)
	}
}

// DecodeInt parses a base-10 signed integer.
func DecodeInt(s string) (int, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return int(v), nil
}

// DecodeUint32 parses a base-10 non-negative integer, as used for
// priority values such as a chroot's listing sort key.
func DecodeUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not a non-negative integer: %q", s)
	}
	return uint32(v), nil
}

// DecodePath requires an absolute filesystem path.
func DecodePath(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("empty path")
	}
	if !filepath.IsAbs(s) {
		return "", fmt.Errorf("not an absolute path: %q", s)
	}
	return s, nil
}

var nameRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// DecodeChrootName validates a chroot/alias name against the grammar in
// spec §3: `[A-Za-z0-9][A-Za-z0-9._-]*`.
func DecodeChrootName(s string) (string, error) {
	if !nameRegexp.MatchString(s) {
		return "", fmt.Errorf("invalid chroot name: %q", s)
	}
	return s, nil
}

// groupNameRegexp mirrors typical POSIX group/user name restrictions.
var groupNameRegexp = regexp.MustCompile(`^[a-z_][a-z0-9_-]*\$?$`)

// DecodeGroupName validates an OS group name.
func DecodeGroupName(s string) (string, error) {
	if !groupNameRegexp.MatchString(s) {
		return "", fmt.Errorf("invalid group name: %q", s)
	}
	return s, nil
}
