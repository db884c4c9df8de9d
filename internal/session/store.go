package session

import (
	"fmt"
	"log"
	"os"
	"sort"

	securejoin "github.com/cyphar/filepath-securejoin"

	"schroot/internal/chroot"
	"schroot/internal/keyfile"
)

// Store persists SessionInfo records to the session directory (spec §6:
// "Persisted state layout... one [directory] for active sessions... Session
// files are owned by root, mode 0600"). Each session is one file, keyed by
// its generated name, so unlike internal/jailhouse's in-memory map plus a
// single combined state file, the filesystem itself is the index — no
// separate manifest to keep in sync with reality.
type Store struct {
	dir    string
	logger *log.Logger
}

// NewStore returns a Store rooted at dir, creating it if necessary.
func NewStore(dir string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[session-store] ", log.LstdFlags|log.Lmsgprefix)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// path resolves name (a session id, which can originate from a caller's
// --chroot/--run-session argument) against the session directory, refusing
// to escape it via "..".
func (s *Store) path(name string) (string, error) {
	full, err := securejoin.SecureJoin(s.dir, name)
	if err != nil {
		return "", fmt.Errorf("resolve session path %s: %w", name, err)
	}
	return full, nil
}

// WriteSessionInfo implements chroot.SessionPersister. It serialises c to
// its own KeyFile group, named after the session, and writes it atomically
// (temp file plus rename, as internal/jailhouse's saveStateUnlocked does)
// so a reader never observes a half-written session file.
func (s *Store) WriteSessionInfo(c chroot.Chroot) error {
	name := c.Base().Name
	kf := keyfile.New()
	c.ToKeyfile(kf, name)

	dest, err := s.path(name)
	if err != nil {
		return err
	}
	tmp := dest + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	if err := kf.Write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write session file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename session file: %w", err)
	}
	s.logger.Printf("wrote session %s", name)
	return nil
}

// RemoveSessionInfo implements chroot.SessionPersister. Removal is
// idempotent — end-of-session teardown may call it more than once on error
// paths, and a session that never got as far as writing its file must not
// turn that into a hard failure.
func (s *Store) RemoveSessionInfo(name string) error {
	dest, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	s.logger.Printf("removed session %s", name)
	return nil
}

// Load reads a persisted SessionInfo back into a live Chroot value.
func (s *Store) Load(name string) (chroot.Chroot, error) {
	dest, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &SessionNotFoundError{Name: name}
		}
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	kf, err := keyfile.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse session file %s: %w", name, err)
	}
	c, err := chroot.FromKeyfileGroup(kf, name)
	if err != nil {
		return nil, fmt.Errorf("decode session %s: %w", name, err)
	}
	return c, nil
}

// List returns every persisted session name, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read session directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
