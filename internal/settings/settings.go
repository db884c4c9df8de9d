// Package settings loads the engine-wide configuration that spec.md is
// silent on: where things live on disk, what to call PAM and syslog with,
// and the timeouts spec §5 names. This is deliberately separate from
// internal/keyfile's INI-format chroot definitions — engine settings are a
// single ambient document, not a set of per-chroot records, so they get the
// teacher's own YAML config format instead.
package settings

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the top-level engine configuration, normally loaded from
// /etc/schroot/schroot.yaml.
type Settings struct {
	ConfigDir           string
	SessionDir          string
	SetupScriptDir      string
	SetupMountScriptDir string
	DeviceLockDir       string
	ActivityLogPath     string
	PAMServiceName      string
	SyslogFacility      string
	DefaultShell        string
	ConfigLockTimeout   time.Duration
	DeviceLockTimeout   time.Duration
}

// yamlSettings is the on-disk shape. Durations are strings ("5s", "2m")
// rather than time.Duration directly — yaml.v3 decodes a bare scalar like
// "5s" as !!str, not as an int64 nanosecond count, so a duration field
// needs its own string-to-Duration conversion rather than relying on the
// decoder to do it implicitly.
type yamlSettings struct {
	ConfigDir           string `yaml:"config_dir"`
	SessionDir          string `yaml:"session_dir"`
	SetupScriptDir      string `yaml:"setup_script_dir"`
	SetupMountScriptDir string `yaml:"setup_mount_script_dir"`
	DeviceLockDir       string `yaml:"device_lock_dir"`
	ActivityLogPath     string `yaml:"activity_log_path"`
	PAMServiceName      string `yaml:"pam_service_name"`
	SyslogFacility      string `yaml:"syslog_facility"`
	DefaultShell        string `yaml:"default_shell"`
	ConfigLockTimeout   string `yaml:"config_lock_timeout"`
	DeviceLockTimeout   string `yaml:"device_lock_timeout"`
}

// Default returns the settings schroot uses when no settings file is
// present, matching the reference layout under /etc/schroot and
// /var/lib/schroot (spec §5/§6).
func Default() Settings {
	return Settings{
		ConfigDir:           "/etc/schroot/chroot.d",
		SessionDir:          "/var/lib/schroot/session",
		SetupScriptDir:      "/etc/schroot/setup.d",
		SetupMountScriptDir: "/etc/schroot/setup.d/mount",
		DeviceLockDir:       "/var/lib/schroot/lock",
		ActivityLogPath:     "",
		PAMServiceName:      "schroot",
		SyslogFacility:      "user",
		DefaultShell:        "/bin/sh",
		ConfigLockTimeout:   2 * time.Second,
		DeviceLockTimeout:   15 * time.Second,
	}
}

// Load reads settings from path, falling back to Default() for any field
// left unset in the file. A missing file is not an error — Default() alone
// is a fully usable configuration.
func Load(path string) (Settings, error) {
	settings := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return Settings{}, fmt.Errorf("read settings file: %w", err)
	}

	var overrides yamlSettings
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return Settings{}, fmt.Errorf("parse settings file: %w", err)
	}
	if err := settings.applyOverrides(overrides); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func (s *Settings) applyOverrides(o yamlSettings) error {
	if o.ConfigDir != "" {
		s.ConfigDir = o.ConfigDir
	}
	if o.SessionDir != "" {
		s.SessionDir = o.SessionDir
	}
	if o.SetupScriptDir != "" {
		s.SetupScriptDir = o.SetupScriptDir
	}
	if o.SetupMountScriptDir != "" {
		s.SetupMountScriptDir = o.SetupMountScriptDir
	}
	if o.DeviceLockDir != "" {
		s.DeviceLockDir = o.DeviceLockDir
	}
	if o.ActivityLogPath != "" {
		s.ActivityLogPath = o.ActivityLogPath
	}
	if o.PAMServiceName != "" {
		s.PAMServiceName = o.PAMServiceName
	}
	if o.SyslogFacility != "" {
		s.SyslogFacility = o.SyslogFacility
	}
	if o.DefaultShell != "" {
		s.DefaultShell = o.DefaultShell
	}
	if o.ConfigLockTimeout != "" {
		d, err := time.ParseDuration(o.ConfigLockTimeout)
		if err != nil {
			return fmt.Errorf("config_lock_timeout: %w", err)
		}
		s.ConfigLockTimeout = d
	}
	if o.DeviceLockTimeout != "" {
		d, err := time.ParseDuration(o.DeviceLockTimeout)
		if err != nil {
			return fmt.Errorf("device_lock_timeout: %w", err)
		}
		s.DeviceLockTimeout = d
	}
	return nil
}
