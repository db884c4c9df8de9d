// Package diag implements the fatal-error reporting contract of spec §7:
// one stderr line plus a best-effort LOG_USER|LOG_NOTICE syslog record,
// and the exit-code taxonomy that lets a wrapper script distinguish a
// lock timeout from a child's own non-zero exit from a generic failure.
package diag

import (
	"fmt"
	"io"
	"log/syslog"
	"os"

	"schroot/internal/config"
	"schroot/internal/devicelock"
	"schroot/internal/session"
)

// Exit codes, distinct from the child's own passthrough exit status
// (spec §6: "passthrough of child's exit status when a command was run").
// A child's own exit code passes through unchanged, and a signalled or
// core-dumped child maps to 128+signal (the range translateWaitError
// produces). These run from 100-104, below that 128+signal range; a child
// that itself exits with one of these values is not told apart from them.
const (
	ExitOK           = 0
	ExitGeneric      = 1
	ExitLockTimeout  = 100
	ExitLockConflict = 101
	ExitAuthFailed   = 102
	ExitConfigError  = 103
	ExitNoSuchChroot = 104
)

// Reporter prints and logs fatal errors on behalf of a running command.
// The zero value is not usable; construct with NewReporter.
type Reporter struct {
	prog   string
	stderr io.Writer
	sys    *syslog.Writer
}

// NewReporter dials syslog for prog, best-effort: a missing or
// unreachable syslog daemon must never stop the tool from running, so a
// dial failure leaves sys nil and Report silently skips the syslog
// record rather than returning an error the caller would have to handle.
func NewReporter(prog string) *Reporter {
	w, err := syslog.New(syslog.LOG_USER|syslog.LOG_NOTICE, prog)
	if err != nil {
		w = nil
	}
	return &Reporter{prog: prog, stderr: os.Stderr, sys: w}
}

// Report writes err as a single line to stderr and, if syslog is
// reachable, as a LOG_NOTICE record. A nil err is a no-op.
func (r *Reporter) Report(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(r.stderr, "%s: %v\n", r.prog, err)
	if r.sys != nil {
		r.sys.Notice(err.Error())
	}
}

// Close releases the syslog connection, if one was established.
func (r *Reporter) Close() error {
	if r.sys == nil {
		return nil
	}
	return r.sys.Close()
}

// ExitCode maps err to the process exit status spec §6/§7 describe. A
// *session.ChildExitNonZeroError passes the child's own status through
// unchanged, since that is the one case where the caller's wrapper script
// wants the target command's status, not one of ours.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch e := err.(type) {
	case *session.ChildExitNonZeroError:
		return e.Code
	case *session.ChildSignalledError:
		return 128 + e.Signal
	case *session.ChildDumpedCoreError:
		return 128 + e.Signal
	case *session.AuthFailedError:
		return ExitAuthFailed
	case *session.NoSuchChrootError, *session.SessionNotFoundError:
		return ExitNoSuchChroot
	case *devicelock.TimeoutError:
		return ExitLockTimeout
	case *devicelock.NotHeldError:
		return ExitLockConflict
	case *config.LockTimeoutError:
		return ExitLockTimeout
	case *config.FileOpenFailedError, *config.FileStatFailedError,
		*config.NotOwnedByRootError, *config.WorldWritableError,
		*config.NotRegularFileError, *config.ParseError,
		*config.DuplicateNameError, *config.UnknownChrootTypeError:
		return ExitConfigError
	default:
		return ExitGeneric
	}
}
