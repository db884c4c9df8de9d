package diag

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"schroot/internal/config"
	"schroot/internal/devicelock"
	"schroot/internal/session"
)

func TestReportWritesOneStderrLine(t *testing.T) {
	var buf bytes.Buffer
	r := &Reporter{prog: "schroot", stderr: &buf}

	r.Report(errors.New("boom"))

	got := buf.String()
	if strings.Count(got, "\n") != 1 {
		t.Fatalf("Report wrote %q, want exactly one line", got)
	}
	if !strings.HasPrefix(got, "schroot: boom") {
		t.Errorf("Report wrote %q, want prefix %q", got, "schroot: boom")
	}
}

func TestReportNilErrIsNoop(t *testing.T) {
	var buf bytes.Buffer
	r := &Reporter{prog: "schroot", stderr: &buf}

	r.Report(nil)

	if buf.Len() != 0 {
		t.Errorf("Report(nil) wrote %q, want nothing", buf.String())
	}
}

func TestExitCodePassesThroughChildStatus(t *testing.T) {
	got := ExitCode(&session.ChildExitNonZeroError{Code: 7})
	if got != 7 {
		t.Errorf("ExitCode(ChildExitNonZeroError{7}) = %d, want 7", got)
	}
}

func TestExitCodeSignalledChild(t *testing.T) {
	got := ExitCode(&session.ChildSignalledError{Signal: 9})
	if got != 128+9 {
		t.Errorf("ExitCode(ChildSignalledError{9}) = %d, want %d", got, 128+9)
	}
}

func TestExitCodeDistinguishesLockAndAuth(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"lock timeout", &devicelock.TimeoutError{}, ExitLockTimeout},
		{"lock conflict", &devicelock.NotHeldError{}, ExitLockConflict},
		{"auth failed", &session.AuthFailedError{User: "alice"}, ExitAuthFailed},
		{"no such chroot", &session.NoSuchChrootError{Name: "sid"}, ExitNoSuchChroot},
		{"config parse error", &config.ParseError{Path: "x", Err: errors.New("bad")}, ExitConfigError},
		{"generic", errors.New("whatever"), ExitGeneric},
		{"nil", nil, ExitOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExitCode(tc.err); got != tc.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
