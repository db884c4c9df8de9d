package session

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"schroot/internal/privdrop"
)

// childModeArg marks a re-exec of the schroot binary as the fork-child
// that performs the actual privilege drop and exec. Go's runtime forbids
// calling fork(2) directly once goroutines/the scheduler are running,
// so the parent re-execs itself (the pattern container runtimes in this
// pack's corpus use for their own namespace/setns children) instead of a
// raw syscall.Fork.
const childModeArg = "__schroot_child__"

// ChildRequest is everything the child needs, handed across an inherited
// pipe rather than argv (argv is visible to any observer of the process
// table; the target command line is the only thing that belongs there).
type ChildRequest struct {
	MountLocation       string
	UID                 int
	GID                 int
	Username            string
	Personality         string
	OriginalCwd         string
	Argv                []string
	Env                 []string
	LoginShell          bool
	PreserveEnvironment bool
}

// IsChildInvocation reports whether the current process was re-exec'd to
// act as a session fork-child.
func IsChildInvocation(args []string) bool {
	return len(args) > 1 && args[1] == childModeArg
}

// StartChild re-execs the current binary as a fork-child and hands it req
// over an inherited pipe. It returns as soon as the child process has
// started; the caller (the session engine) waits on the returned *exec.Cmd
// itself, mirroring the parent side of spec §4.6 step 6/7.
func StartChild(req ChildRequest) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, &ForkFailedError{Err: fmt.Errorf("resolve self: %w", err)}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, &ForkFailedError{Err: fmt.Errorf("create request pipe: %w", err)}
	}
	defer r.Close()

	cmd := exec.Command(self, childModeArg)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{r}

	if err := cmd.Start(); err != nil {
		w.Close()
		return nil, &ForkFailedError{Err: err}
	}

	data, err := json.Marshal(req)
	if err != nil {
		w.Close()
		return nil, &ForkFailedError{Err: fmt.Errorf("marshal child request: %w", err)}
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, &ForkFailedError{Err: fmt.Errorf("write child request: %w", err)}
	}
	w.Close()

	return cmd, nil
}

// RunChild is the entire body of the fork-child. It never returns: on
// success execve replaces the process, and every failure, before or after
// uid/gid have changed, calls os.Exit directly, since an error returned
// across the point where uid/gid have already changed would be a
// privilege-boundary violation in itself (spec §7: "the child, past the
// fork, never returns").
func RunChild() {
	req, err := readChildRequest()
	if err != nil {
		fmt.Fprintf(os.Stderr, "schroot: child: %v\n", err)
		os.Exit(126)
	}

	if req.Personality != "" {
		p, err := privdrop.LookupPersonality(req.Personality)
		if err != nil {
			fmt.Fprintf(os.Stderr, "schroot: child: %v\n", err)
			os.Exit(126)
		}
		if err := privdrop.SetPersonality(p); err != nil {
			fmt.Fprintf(os.Stderr, "schroot: child: %v\n", err)
			os.Exit(126)
		}
	}

	if err := privdrop.Setgid(req.GID); err != nil {
		fatalChild(err)
	}
	if err := privdrop.Initgroups(req.Username, req.GID); err != nil {
		fatalChild(err)
	}
	if err := privdrop.Chdir(req.MountLocation); err != nil {
		fatalChild(err)
	}
	if err := privdrop.Chroot(req.MountLocation); err != nil {
		fatalChild(err)
	}
	if err := privdrop.Setuid(req.UID); err != nil {
		fatalChild(err)
	}
	if err := privdrop.VerifyDropped(req.UID); err != nil {
		// Privilege was not actually dropped. This is the single most
		// dangerous failure mode in the whole program; never exec.
		fmt.Fprintf(os.Stderr, "schroot: child: %v\n", err)
		os.Exit(127)
	}

	// Best-effort: chroot(2) does not change cwd, and the original
	// directory may not exist inside the new root at all.
	os.Chdir(req.OriginalCwd)

	execPath := req.Argv[0]
	if !filepath.IsAbs(execPath) {
		if resolved, err := exec.LookPath(execPath); err == nil {
			execPath = resolved
		}
	}

	argv := buildArgv(req)
	env := req.Env
	if len(env) == 0 {
		env = os.Environ()
	}

	if err := syscall.Exec(execPath, argv, env); err != nil {
		fmt.Fprintf(os.Stderr, "schroot: child: execve %s: %v\n", execPath, err)
		os.Exit(127)
	}
}

func fatalChild(err error) {
	fmt.Fprintf(os.Stderr, "schroot: child: %v\n", err)
	os.Exit(126)
}

func readChildRequest() (ChildRequest, error) {
	f := os.NewFile(3, "schroot-child-request")
	if f == nil {
		return ChildRequest{}, fmt.Errorf("no inherited request pipe")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return ChildRequest{}, fmt.Errorf("read child request: %w", err)
	}
	var req ChildRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return ChildRequest{}, fmt.Errorf("decode child request: %w", err)
	}
	return req, nil
}

// buildArgv applies the login-shell argv[0] rewriting rule from spec §4.6
// step 6 (req.Argv already carries the chroot's command prefix, which the
// engine prepends before starting the child): a login shell run without
// preserving the environment gets a "-basename(shell)" argv[0], the
// traditional signal to a shell that it should behave as a login shell.
func buildArgv(req ChildRequest) []string {
	argv := append([]string(nil), req.Argv...)
	if req.LoginShell && !req.PreserveEnvironment && len(argv) > 0 {
		argv[0] = "-" + filepath.Base(argv[0])
	}
	return argv
}
