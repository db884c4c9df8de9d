package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if got != want {
		t.Fatalf("Load(missing) = %+v, want default %+v", got, want)
	}
}

func TestLoadOverridesOnlySetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schroot.yaml")
	body := "session_dir: /tmp/sessions\npam_service_name: custom-schroot\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.SessionDir != "/tmp/sessions" {
		t.Errorf("SessionDir = %q, want /tmp/sessions", got.SessionDir)
	}
	if got.PAMServiceName != "custom-schroot" {
		t.Errorf("PAMServiceName = %q, want custom-schroot", got.PAMServiceName)
	}
	want := Default()
	if got.ConfigDir != want.ConfigDir {
		t.Errorf("ConfigDir should keep its default, got %q", got.ConfigDir)
	}
	if got.DeviceLockTimeout != want.DeviceLockTimeout {
		t.Errorf("DeviceLockTimeout should keep its default, got %v", got.DeviceLockTimeout)
	}
}

func TestLoadOverridesTimeouts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schroot.yaml")
	body := "config_lock_timeout: 5s\ndevice_lock_timeout: 30s\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ConfigLockTimeout != 5*time.Second {
		t.Errorf("ConfigLockTimeout = %v, want 5s", got.ConfigLockTimeout)
	}
	if got.DeviceLockTimeout != 30*time.Second {
		t.Errorf("DeviceLockTimeout = %v, want 30s", got.DeviceLockTimeout)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schroot.yaml")
	if err := os.WriteFile(path, []byte("not: [valid"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for malformed YAML")
	}
}
