// Package chroot models the polymorphic chroot descriptor: a set of
// attributes common to every source type plus variant-specific fields for
// plain directories, block devices, LVM snapshots and archive files. The
// common capability set (environment export, device-lock policy, session
// flags, cloning) is expressed as an interface so the session engine can
// drive any variant without a type switch, matching the reference
// implementation's virtual dispatch without needing a class hierarchy.
package chroot

import (
	"fmt"
	"io"
	"time"

	"schroot/internal/keyfile"
)

// Phase identifies a transition point in the session state machine at
// which a variant's setup_lock is consulted.
type Phase int

const (
	SetupStart Phase = iota
	SetupStop
	RunStart
	RunStop
)

func (p Phase) String() string {
	switch p {
	case SetupStart:
		return "setup-start"
	case SetupStop:
		return "setup-stop"
	case RunStart:
		return "run-start"
	case RunStop:
		return "run-stop"
	default:
		return "unknown-phase"
	}
}

// SessionFlags describes whether a variant needs a persisted SessionInfo
// file to represent an open session.
type SessionFlags int

const (
	NoSessionFlags SessionFlags = iota
	CreateSession
)

// Locker abstracts device-lock acquisition so variants do not depend
// directly on the devicelock package's concrete type; the session engine
// supplies an implementation backed by one devicelock.Lock per device path.
type Locker interface {
	Lock(device string, exclusive bool, timeout time.Duration) error
	Unlock(device string) error
}

// SessionPersister abstracts writing and removing the SessionInfo file for
// session-capable variants, and running the LVM snapshot creation/removal
// that accompanies it. The session engine supplies the concrete
// implementation; variants only decide *when* to call it.
type SessionPersister interface {
	WriteSessionInfo(c Chroot) error
	RemoveSessionInfo(name string) error
}

// Environment is an ordered, appendable set of NAME=value bindings built up
// by setup_env and eventually handed to execve.
type Environment struct {
	vars  []string
	index map[string]int
}

// NewEnvironment returns an empty Environment.
func NewEnvironment() *Environment {
	return &Environment{index: make(map[string]int)}
}

// Set appends or overwrites a binding.
func (e *Environment) Set(key, value string) {
	entry := key + "=" + value
	if i, ok := e.index[key]; ok {
		e.vars[i] = entry
		return
	}
	e.index[key] = len(e.vars)
	e.vars = append(e.vars, entry)
}

// List returns the bindings in insertion order, suitable for use as envp.
func (e *Environment) List() []string {
	out := make([]string, len(e.vars))
	copy(out, e.vars)
	return out
}

// Base holds the attributes common to every chroot variant (spec §3).
type Base struct {
	Name            string
	Description     string
	Priority        uint32
	Aliases         []string
	Groups          []string
	RootGroups      []string
	RunSetupScripts bool
	RunExecScripts  bool
	CommandPrefix   []string
	Personality     string
	Active          bool
}

func (b *Base) clone() Base {
	out := *b
	out.Aliases = append([]string(nil), b.Aliases...)
	out.Groups = append([]string(nil), b.Groups...)
	out.RootGroups = append([]string(nil), b.RootGroups...)
	out.CommandPrefix = append([]string(nil), b.CommandPrefix...)
	return out
}

func (b *Base) setupEnv(env *Environment, chrootType, location string) {
	env.Set("CHROOT_TYPE", chrootType)
	env.Set("CHROOT_NAME", b.Name)
	env.Set("CHROOT_DESCRIPTION", b.Description)
	env.Set("CHROOT_LOCATION", location)
}

func (b *Base) fromKeyfile(kf *keyfile.KeyFile, group string) error {
	var err error
	if b.Description, _, err = keyfile.Get(kf, group, "description", keyfile.Optional, keyfile.DecodeString); err != nil {
		return err
	}
	if p, present, err := keyfile.Get(kf, group, "priority", keyfile.Optional, keyfile.DecodeUint32); err != nil {
		return err
	} else if present {
		b.Priority = p
	}
	if aliases, _, err := keyfile.GetList(kf, group, "aliases", keyfile.Optional, keyfile.DecodeChrootName); err != nil {
		return err
	} else {
		b.Aliases = aliases
	}
	if groups, present, err := keyfile.GetList(kf, group, "groups", keyfile.Required, keyfile.DecodeGroupName); err != nil {
		return err
	} else if present {
		b.Groups = groups
	}
	if rootGroups, _, err := keyfile.GetList(kf, group, "root-groups", keyfile.Optional, keyfile.DecodeGroupName); err != nil {
		return err
	} else {
		b.RootGroups = rootGroups
	}
	if v, present, err := keyfile.Get(kf, group, "run-setup-scripts", keyfile.Optional, keyfile.DecodeBool); err != nil {
		return err
	} else {
		b.RunSetupScripts = !present || v
	}
	if v, present, err := keyfile.Get(kf, group, "run-exec-scripts", keyfile.Optional, keyfile.DecodeBool); err != nil {
		return err
	} else {
		b.RunExecScripts = !present || v
	}
	if prefix, _, err := keyfile.GetList(kf, group, "command-prefix", keyfile.Optional, keyfile.DecodeString); err != nil {
		return err
	} else {
		b.CommandPrefix = prefix
	}
	if p, _, err := keyfile.Get(kf, group, "personality", keyfile.Optional, keyfile.DecodeString); err != nil {
		return err
	} else {
		b.Personality = p
	}
	if a, present, err := keyfile.Get(kf, group, "active", keyfile.Optional, keyfile.DecodeBool); err != nil {
		return err
	} else if present {
		b.Active = a
	}
	return nil
}

func (b *Base) toKeyfile(kf *keyfile.KeyFile, group, chrootType string) {
	keyfile.SetValue(kf, group, "type", chrootType, "")
	if b.Description != "" {
		keyfile.SetValue(kf, group, "description", b.Description, "")
	}
	if b.Priority != 0 {
		keyfile.SetValue(kf, group, "priority", b.Priority, "")
	}
	if len(b.Aliases) > 0 {
		keyfile.SetList(kf, group, "aliases", b.Aliases, "")
	}
	keyfile.SetList(kf, group, "groups", b.Groups, "")
	if len(b.RootGroups) > 0 {
		keyfile.SetList(kf, group, "root-groups", b.RootGroups, "")
	}
	keyfile.SetValue(kf, group, "run-setup-scripts", b.RunSetupScripts, "")
	keyfile.SetValue(kf, group, "run-exec-scripts", b.RunExecScripts, "")
	if len(b.CommandPrefix) > 0 {
		keyfile.SetList(kf, group, "command-prefix", b.CommandPrefix, "")
	}
	if b.Personality != "" {
		keyfile.SetValue(kf, group, "personality", b.Personality, "")
	}
	if b.Active {
		keyfile.SetValue(kf, group, "active", b.Active, "")
	}
}

func (b *Base) printDetails(w io.Writer, chrootType, location string) {
	fmt.Fprintf(w, "  %-20s %s\n", "Name", b.Name)
	fmt.Fprintf(w, "  %-20s %s\n", "Description", b.Description)
	fmt.Fprintf(w, "  %-20s %s\n", "Type", chrootType)
	fmt.Fprintf(w, "  %-20s %s\n", "Priority", fmt.Sprint(b.Priority))
	fmt.Fprintf(w, "  %-20s %s\n", "Location", location)
	fmt.Fprintf(w, "  %-20s %v\n", "Groups", b.Groups)
	fmt.Fprintf(w, "  %-20s %v\n", "Root Groups", b.RootGroups)
	fmt.Fprintf(w, "  %-20s %v\n", "Aliases", b.Aliases)
}

// Chroot is the common capability set every variant implements.
type Chroot interface {
	Base() *Base
	ChrootType() string
	MountLocation() string
	MountDevice() string
	SetupEnv(env *Environment)
	SetupLock(phase Phase, acquire bool, locker Locker, persist SessionPersister, timeout time.Duration) error
	SessionFlags() SessionFlags
	PrintDetails(w io.Writer)
	Clone() Chroot
	FromKeyfile(kf *keyfile.KeyFile, group string) error
	ToKeyfile(kf *keyfile.KeyFile, group string)
}

// UnknownTypeError reports a group whose "type" key names no known chroot
// variant. config.Registry catches this by type to raise its own
// UnknownChrootTypeError, which carries the file path a caller needs.
type UnknownTypeError struct{ Type string }

func (e *UnknownTypeError) Error() string { return fmt.Sprintf("unknown chroot type %q", e.Type) }

// FromKeyfileGroup constructs the variant named by the group's "type" key
// (defaulting to plain) and populates it from the group.
func FromKeyfileGroup(kf *keyfile.KeyFile, group string) (Chroot, error) {
	if _, err := keyfile.DecodeChrootName(group); err != nil {
		return nil, err
	}

	typeName, _, err := keyfile.Get(kf, group, "type", keyfile.Optional, keyfile.DecodeString)
	if err != nil {
		return nil, err
	}
	if typeName == "" {
		typeName = "plain"
	}

	var c Chroot
	switch typeName {
	case "plain":
		c = &Plain{}
	case "block-device":
		c = &BlockDevice{}
	case "lvm-snapshot":
		c = &LvmSnapshot{}
	case "file":
		c = &File{}
	default:
		return nil, &UnknownTypeError{Type: typeName}
	}
	c.Base().Name = group
	if err := c.FromKeyfile(kf, group); err != nil {
		return nil, err
	}
	return c, nil
}
