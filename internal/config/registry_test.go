package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func withUnprivilegedLoader(t *testing.T) {
	t.Helper()
	old := loadFile
	loadFile = func(path string, timeout time.Duration) ([]byte, error) {
		return os.ReadFile(path)
	}
	t.Cleanup(func() { loadFile = old })
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestAddFileIndexesNameAndAlias(t *testing.T) {
	withUnprivilegedLoader(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "sid.conf",
		"[sid]\ngroups=sbuild\naliases=default,unstable\nlocation=/srv/chroot/sid\n")

	r := New()
	if err := r.AddFile(path); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	if _, ok := r.FindByName("sid"); !ok {
		t.Fatal("expected to find by name")
	}
	if _, ok := r.FindByAlias("default"); !ok {
		t.Fatal("expected to find by alias")
	}
	if _, ok := r.FindByName("default"); ok {
		t.Fatal("FindByName must not resolve aliases")
	}
}

func TestAddFileRejectsDuplicateName(t *testing.T) {
	withUnprivilegedLoader(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "dup.conf",
		"[sid]\ngroups=sbuild\nlocation=/srv/chroot/sid\n\n[sid]\ngroups=sbuild\nlocation=/srv/chroot/other\n")

	r := New()
	// The KeyFile parser itself keeps only the first occurrence of a
	// duplicate group, so this exercises the registry's cross-file
	// collision check instead by loading the same file twice.
	if err := r.AddFile(path); err != nil {
		t.Fatalf("first AddFile: %v", err)
	}
	if err := r.AddFile(path); err == nil {
		t.Fatal("expected DuplicateNameError on second load")
	} else if _, ok := err.(*DuplicateNameError); !ok {
		t.Fatalf("expected *DuplicateNameError, got %T: %v", err, err)
	}
}

func TestAddFileRejectsAliasCollisionWithName(t *testing.T) {
	withUnprivilegedLoader(t)
	dir := t.TempDir()
	path1 := writeFile(t, dir, "a.conf", "[sid]\ngroups=sbuild\nlocation=/srv/chroot/sid\n")
	path2 := writeFile(t, dir, "b.conf", "[other]\ngroups=sbuild\naliases=sid\nlocation=/srv/chroot/other\n")

	r := New()
	if err := r.AddFile(path1); err != nil {
		t.Fatalf("AddFile(a): %v", err)
	}
	if err := r.AddFile(path2); err == nil {
		t.Fatal("expected DuplicateNameError: alias collides with existing name")
	}
}

func TestAddDirectoryLoadsInLexicographicOrder(t *testing.T) {
	withUnprivilegedLoader(t)
	dir := t.TempDir()
	writeFile(t, dir, "20-sid.conf", "[sid]\ngroups=sbuild\nlocation=/srv/chroot/sid\n")
	writeFile(t, dir, "10-stretch.conf", "[stretch]\ngroups=sbuild\nlocation=/srv/chroot/stretch\n")
	os.Mkdir(filepath.Join(dir, "subdir"), 0755)

	r := New()
	if err := r.AddDirectory(dir); err != nil {
		t.Fatalf("AddDirectory: %v", err)
	}
	names := make([]string, 0)
	for _, c := range r.Chroots() {
		names = append(names, c.Base().Name)
	}
	if len(names) != 2 || names[0] != "stretch" || names[1] != "sid" {
		t.Fatalf("expected [stretch sid] in load order, got %v", names)
	}
}

func TestValidate(t *testing.T) {
	withUnprivilegedLoader(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "sid.conf", "[sid]\ngroups=sbuild\naliases=default\nlocation=/srv/chroot/sid\n")
	r := New()
	if err := r.AddFile(path); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	missing := r.Validate([]string{"sid", "default", "ghost"})
	if len(missing) != 1 || missing[0] != "ghost" {
		t.Fatalf("Validate = %v, want [ghost]", missing)
	}
	if got := r.Validate([]string{"sid", "default"}); len(got) != 0 {
		t.Fatalf("Validate = %v, want empty", got)
	}
}

func TestPrintListAndInfo(t *testing.T) {
	withUnprivilegedLoader(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "sid.conf",
		"[sid]\ngroups=sbuild\npriority=5\nlocation=/srv/chroot/sid\ndescription=Unstable\n")
	r := New()
	if err := r.AddFile(path); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	var listBuf bytes.Buffer
	r.PrintList(&listBuf)
	if strings.TrimSpace(listBuf.String()) != "sid" {
		t.Fatalf("PrintList = %q", listBuf.String())
	}

	var infoBuf bytes.Buffer
	r.PrintInfo([]string{"sid", "ghost"}, &infoBuf)
	out := infoBuf.String()
	if !strings.Contains(out, "Unstable") {
		t.Fatalf("PrintInfo missing description: %q", out)
	}
	if !strings.Contains(out, "no such chroot") {
		t.Fatalf("PrintInfo missing not-found line: %q", out)
	}
}

func TestReadLockedRejectsWorldWritable(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "open.conf", "[sid]\ngroups=sbuild\nlocation=/srv/chroot/sid\n")
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if _, err := readLocked(path, DefaultLockTimeout); err == nil {
		t.Fatal("expected error for world-writable file")
	} else if _, ok := err.(*WorldWritableError); !ok {
		// A non-root test process may also fail the ownership check first,
		// which is an equally valid rejection of this fixture.
		if _, ok := err.(*NotOwnedByRootError); !ok {
			t.Fatalf("expected WorldWritableError or NotOwnedByRootError, got %T: %v", err, err)
		}
	}
}
