// Package config implements the chroot template registry: loading one
// file or a directory of files under the security checks spec §4.3
// requires, indexing chroots by name and alias, and validating a
// caller-supplied list of names against that index.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"schroot/internal/chroot"
	"schroot/internal/keyfile"
)

// Registry indexes chroot templates loaded from configuration files.
type Registry struct {
	byName      map[string]chroot.Chroot
	byAlias     map[string]chroot.Chroot
	order       []string // names, in load order
	lockTimeout time.Duration
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byName:      make(map[string]chroot.Chroot),
		byAlias:     make(map[string]chroot.Chroot),
		lockTimeout: DefaultLockTimeout,
	}
}

// SetLockTimeout overrides the wait Registry uses when acquiring a shared
// lock on a configuration file (spec §5, settings.ConfigLockTimeout). A
// non-positive value is ignored, leaving the default in place.
func (r *Registry) SetLockTimeout(d time.Duration) {
	if d > 0 {
		r.lockTimeout = d
	}
}

// AddFile loads one KeyFile at path and merges its groups in, rejecting
// any group whose name collides with an already-registered name or alias.
func (r *Registry) AddFile(path string) error {
	data, err := loadFile(path, r.lockTimeout)
	if err != nil {
		return err
	}

	kf, err := keyfile.Parse(bytes.NewReader(data))
	if err != nil {
		return &ParseError{Path: path, Err: err}
	}

	for _, group := range kf.Groups() {
		c, err := chroot.FromKeyfileGroup(kf, group)
		if err != nil {
			if ut, ok := err.(*chroot.UnknownTypeError); ok {
				return &UnknownChrootTypeError{Type: ut.Type, Path: path}
			}
			return &ParseError{Path: path, Err: fmt.Errorf("group %s: %w", group, err)}
		}
		if err := r.AddChroot(c); err != nil {
			if dup, ok := err.(*DuplicateNameError); ok {
				dup.Path = path
			}
			return err
		}
	}
	return nil
}

// AddChroot indexes an already-constructed Chroot, rejecting a name or
// alias that collides with one already registered. This is what AddFile
// uses internally, and is also how a session's just-minted SessionInfo (a
// Chroot built in memory, never read from disk) is merged into the
// combined template-and-session namespace before name resolution runs.
func (r *Registry) AddChroot(c chroot.Chroot) error {
	name := c.Base().Name
	if r.taken(name) {
		return &DuplicateNameError{Name: name}
	}
	for _, alias := range c.Base().Aliases {
		if r.taken(alias) {
			return &DuplicateNameError{Name: alias}
		}
	}
	r.register(c)
	return nil
}

// AddDirectory loads every regular file directly inside dir, in
// lexicographic order, skipping "." and ".." entries implicitly (ReadDir
// never returns them) and any non-regular entries such as subdirectories
// or device nodes.
func (r *Registry) AddDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return &FileOpenFailedError{Path: dir, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		// name comes from the directory listing itself, not from a
		// caller-supplied string, but every path this registry ever joins
		// onto a root goes through securejoin on principle: a chroot name
		// used the same way elsewhere (e.g. Store.path) is attacker-
		// adjacent, since it can originate from --chroot NAME.
		full, err := securejoin.SecureJoin(dir, name)
		if err != nil {
			continue
		}
		info, err := os.Lstat(full)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if err := r.AddFile(full); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) taken(name string) bool {
	if _, ok := r.byName[name]; ok {
		return true
	}
	if _, ok := r.byAlias[name]; ok {
		return true
	}
	return false
}

func (r *Registry) register(c chroot.Chroot) {
	name := c.Base().Name
	r.byName[name] = c
	r.order = append(r.order, name)
	for _, alias := range c.Base().Aliases {
		r.byAlias[alias] = c
	}
}

// Chroots returns every registered chroot, in load order.
func (r *Registry) Chroots() []chroot.Chroot {
	out := make([]chroot.Chroot, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// FindByName looks a chroot up by its primary name only.
func (r *Registry) FindByName(name string) (chroot.Chroot, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// FindByAlias looks a chroot up by name first, then by alias. This is the
// resolution every user-facing lookup should use (spec §4.3).
func (r *Registry) FindByAlias(name string) (chroot.Chroot, bool) {
	if c, ok := r.byName[name]; ok {
		return c, true
	}
	c, ok := r.byAlias[name]
	return c, ok
}

// ListNames returns every name and alias, sorted.
func (r *Registry) ListNames() []string {
	out := make([]string, 0, len(r.byName)+len(r.byAlias))
	for name := range r.byName {
		out = append(out, name)
	}
	for alias := range r.byAlias {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// Validate reports which of names do not resolve via FindByAlias.
func (r *Registry) Validate(names []string) []string {
	var missing []string
	for _, name := range names {
		if _, ok := r.FindByAlias(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// PrintList writes one name per line, sorted by priority then name,
// matching the reference `schroot --list` output shape.
func (r *Registry) PrintList(w io.Writer) {
	chroots := r.Chroots()
	sort.SliceStable(chroots, func(i, j int) bool {
		if chroots[i].Base().Priority != chroots[j].Base().Priority {
			return chroots[i].Base().Priority > chroots[j].Base().Priority
		}
		return chroots[i].Base().Name < chroots[j].Base().Name
	})
	for _, c := range chroots {
		fmt.Fprintln(w, c.Base().Name)
	}
}

// PrintInfo writes full details for each named chroot that resolves.
func (r *Registry) PrintInfo(names []string, w io.Writer) {
	for i, name := range names {
		c, ok := r.FindByAlias(name)
		if !ok {
			fmt.Fprintf(w, "%s: no such chroot\n", name)
			continue
		}
		if i > 0 {
			fmt.Fprintln(w)
		}
		c.PrintDetails(w)
	}
}
