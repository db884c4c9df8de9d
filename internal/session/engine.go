// Package session drives the begin/run/end state machine described in
// spec §4.6: given a caller, one or more resolved chroots and an
// operation, it authorises, acquires resources, runs setup scripts, forks
// a sandbox, drops privilege, execs, reaps, and tears down — with
// guaranteed cleanup once a chroot's setup has actually started.
package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"syscall"
	"time"

	"schroot/internal/auth"
	"schroot/internal/chroot"
	"schroot/internal/config"
)

// Operation selects which part of the state machine a call to Engine.Run
// exercises (spec §4.6).
type Operation int

const (
	Automatic Operation = iota
	Begin
	Recover
	Run
	End
)

func (op Operation) String() string {
	switch op {
	case Automatic:
		return "automatic"
	case Begin:
		return "begin"
	case Recover:
		return "recover"
	case Run:
		return "run"
	case End:
		return "end"
	default:
		return "unknown"
	}
}

// Request carries everything the engine needs about the caller and the
// command they want run, independent of which chroot it ends up applying
// to.
type Request struct {
	User                string
	RUID                int
	TargetUID           int
	TargetGID           int
	SupplementaryGIDs   []int
	GroupName           func(gid int) (string, bool)
	PreserveEnvironment bool
	Quiet               bool
	Force               bool
	Argv                []string // empty means "run the user's login shell"
	Shell               string
	CallerEnv           []string
	OriginalCwd         string
}

// Result is one chroot's outcome within a session.
type Result struct {
	Chroot   string
	ExitCode int
	Err      error
}

// ChildProcess is the subset of *exec.Cmd the engine needs after starting a
// fork-child: something to wait on.
type ChildProcess interface {
	Wait() error
}

// ChildStarter starts the privilege-dropping fork-child. Abstracted behind
// an interface, rather than calling StartChild directly, so the engine's
// orchestration logic (locking order, script phases, teardown guarantees)
// can be exercised without a real self-reexec and setuid — the real
// implementation is only reachable with root privilege in the first place.
type ChildStarter interface {
	Start(req ChildRequest) (ChildProcess, error)
}

type realChildStarter struct{}

func (realChildStarter) Start(req ChildRequest) (ChildProcess, error) { return StartChild(req) }

// Engine wires the session state machine to its collaborators.
type Engine struct {
	Registry          *config.Registry
	Store             *Store
	Locker            chroot.Locker
	Scripts           ScriptRunner
	ScriptDir         string
	PAM               PAMDriver
	ChildStarter      ChildStarter
	ActivityLog       *ActivityLog
	Logger            *log.Logger
	Clock             func() time.Time
	DeviceLockTimeout time.Duration
}

// NewEngine returns an Engine with sane defaults for any nil collaborator.
func NewEngine(reg *config.Registry, store *Store, locker chroot.Locker) *Engine {
	return &Engine{
		Registry:          reg,
		Store:             store,
		Locker:            locker,
		Scripts:           NewLocalScriptRunner(nil),
		PAM:               &NoopPAM{},
		ChildStarter:      realChildStarter{},
		Logger:            log.New(os.Stdout, "[session] ", log.LstdFlags|log.Lmsgprefix),
		Clock:             time.Now,
		DeviceLockTimeout: 15 * time.Second,
	}
}

// Run executes op against every named chroot in order. Every target is
// resolved and its policy evaluated together before any side effect runs
// anywhere: spec §4.5's aggregation rule (Fail > User > None across every
// chroot in the session) means a later chroot's Fail must reject the whole
// session, including chroots earlier in names that would otherwise have
// already been begun/run/torn down by the time that Fail is discovered.
// On the first chroot that fails once side effects are underway, remaining
// chroots are skipped (their teardown never having started, there's
// nothing to reverse) but the failing chroot's own teardown has already
// completed by the time its Result is produced.
func (e *Engine) Run(ctx context.Context, op Operation, names []string, req Request) []Result {
	resolved := make([]chroot.Chroot, 0, len(names))
	for _, name := range names {
		c, err := e.resolve(op, name, req)
		if err != nil {
			return []Result{{Chroot: name, Err: err}}
		}
		resolved = append(resolved, c)
	}

	if err := e.authorizeSession(resolved, req); err != nil {
		return []Result{{Chroot: resolved[0].Base().Name, Err: err}}
	}

	results := make([]Result, 0, len(resolved))
	for _, c := range resolved {
		r := e.runOne(ctx, op, c, req)
		results = append(results, r)
		if r.Err != nil {
			break
		}
	}
	return results
}

// authorizeSession evaluates the aggregated decision across every resolved
// chroot and, if it requires authentication, performs it once for the
// whole session.
func (e *Engine) authorizeSession(resolved []chroot.Chroot, req Request) error {
	policies := make([]auth.ChrootPolicy, len(resolved))
	for i, c := range resolved {
		policies[i] = auth.ChrootPolicy{Groups: c.Base().Groups, RootGroups: c.Base().RootGroups}
	}

	decision := auth.EvaluateSession(e.identity(req), policies)
	if decision == auth.Fail {
		return &AuthFailedError{User: req.User}
	}
	if decision == auth.User {
		if err := e.PAM.Authenticate(req.User, req.Quiet); err != nil {
			return &AuthFailedError{User: req.User}
		}
	}
	return nil
}

func (e *Engine) runOne(ctx context.Context, op Operation, c chroot.Chroot, req Request) Result {
	switch op {
	case Begin:
		return e.doBegin(c)
	case Recover:
		return e.doRecover(c, req.Force)
	case Run:
		return e.doRun(ctx, c, req)
	case End:
		return e.doEnd(c, req.Force)
	default: // Automatic
		return e.doAutomatic(ctx, c, req)
	}
}

func (e *Engine) resolve(op Operation, name string, req Request) (chroot.Chroot, error) {
	c, ok := e.Registry.FindByAlias(name)
	if !ok {
		return nil, &NoSuchChrootError{Name: name}
	}

	switch op {
	case Recover, Run, End:
		if !c.Base().Active {
			return nil, &SessionNotFoundError{Name: name}
		}
		return c, nil
	case Begin:
		if c.Base().Active {
			return nil, fmt.Errorf("%s: session already active", name)
		}
		return chroot.NewSessionInfo(c, e.Clock()), nil
	default: // Automatic
		if c.Base().Active {
			return c, nil
		}
		if c.SessionFlags() == chroot.CreateSession {
			return chroot.NewSessionInfo(c, e.Clock()), nil
		}
		return c, nil
	}
}

func (e *Engine) identity(req Request) auth.Identity {
	return auth.Identity{
		RUID:              req.RUID,
		TargetUID:         req.TargetUID,
		SupplementaryGIDs: req.SupplementaryGIDs,
		GroupName:         req.GroupName,
	}
}

// doBegin runs steps 1-5: setup_lock(SetupStart, true), the setup
// scripts' start phase and setup_lock(RunStart, true), leaving the chroot
// ACTIVE(locked). Step 3's
// acquisition is reversed if step 4 fails (spec §4.6, "Ordering and
// atomicity"). The freshly minted session name is registered against the
// combined template-and-session namespace first, so a name collision
// (spec §8) is rejected before any lock is taken.
func (e *Engine) doBegin(c chroot.Chroot) Result {
	if err := e.Registry.AddChroot(c); err != nil {
		return Result{Chroot: c.Base().Name, Err: err}
	}
	if err := c.SetupLock(chroot.SetupStart, true, e.Locker, e.Store, e.DeviceLockTimeout); err != nil {
		return Result{Chroot: c.Base().Name, Err: err}
	}
	if err := e.runScripts(c, ScriptStart); err != nil {
		// Reverse step 3: releasing an unfinished setup uses the same
		// call a normal teardown does (SetupStop, false), since that is
		// each variant's one "undo the setup lock" transition.
		if unlockErr := c.SetupLock(chroot.SetupStop, false, e.Locker, e.Store, e.DeviceLockTimeout); unlockErr != nil {
			e.Logger.Printf("%s: reversing failed begin also failed: %v", c.Base().Name, unlockErr)
		}
		return Result{Chroot: c.Base().Name, Err: &SetupScriptFailedError{Phase: ScriptStart, Err: err}}
	}
	if err := c.SetupLock(chroot.RunStart, true, e.Locker, e.Store, e.DeviceLockTimeout); err != nil {
		return Result{Chroot: c.Base().Name, Err: err}
	}
	if c.SessionFlags() != chroot.CreateSession {
		if err := e.Store.WriteSessionInfo(c); err != nil {
			return Result{Chroot: c.Base().Name, Err: err}
		}
	}
	return Result{Chroot: c.Base().Name}
}

// doRecover re-acquires the device lock on an existing SessionInfo,
// bypassing lock-compatibility checks when force is set (operator
// cleanup after e.g. a crash left a lock behind under a dead pid, which
// self-heals anyway per the staleness rule, but force additionally skips
// the wait on a conflicting live holder).
func (e *Engine) doRecover(c chroot.Chroot, force bool) Result {
	if mounted, mountErr := chroot.Mounted(c.MountLocation()); mountErr == nil && !mounted {
		e.Logger.Printf("%s: recover: mount location %s is not mounted; setup scripts have not run", c.Base().Name, c.MountLocation())
	}

	timeout := e.DeviceLockTimeout
	if force {
		timeout = 0
	}
	err := c.SetupLock(chroot.SetupStart, true, e.Locker, e.Store, timeout)
	if err != nil && force {
		e.Logger.Printf("%s: recover: ignoring lock error under --force: %v", c.Base().Name, err)
		err = nil
	}
	if err != nil {
		return Result{Chroot: c.Base().Name, Err: err}
	}
	return Result{Chroot: c.Base().Name}
}

// doRun runs steps 5-8 against an already-active chroot: RunStart, fork
// and exec, wait, RunStop. This is the only path that spawns a child.
func (e *Engine) doRun(ctx context.Context, c chroot.Chroot, req Request) Result {
	if err := c.SetupLock(chroot.RunStart, true, e.Locker, e.Store, e.DeviceLockTimeout); err != nil {
		return Result{Chroot: c.Base().Name, Err: err}
	}

	code, runErr := e.fork(ctx, c, req)

	if err := c.SetupLock(chroot.RunStop, false, e.Locker, e.Store, e.DeviceLockTimeout); err != nil && runErr == nil {
		runErr = err
	}

	e.logActivity(c, req, code, runErr)
	return Result{Chroot: c.Base().Name, ExitCode: code, Err: runErr}
}

// doEnd runs steps 9-10: the setup scripts' stop phase (always attempted)
// then setup_lock(SetupStop, false), tearing the session down regardless
// of whether the stop scripts themselves succeeded — teardown is the
// cleanup invariant, not a step that can be skipped on error.
func (e *Engine) doEnd(c chroot.Chroot, force bool) Result {
	scriptErr := e.runScripts(c, ScriptStop)
	lockErr := c.SetupLock(chroot.SetupStop, false, e.Locker, e.Store, e.DeviceLockTimeout)
	if lockErr != nil && force {
		e.Logger.Printf("%s: end: ignoring teardown error under --force: %v", c.Base().Name, lockErr)
		lockErr = nil
	}

	if c.SessionFlags() != chroot.CreateSession {
		if err := e.Store.RemoveSessionInfo(c.Base().Name); err != nil && lockErr == nil {
			lockErr = err
		}
	}

	if scriptErr != nil {
		return Result{Chroot: c.Base().Name, Err: &SetupScriptFailedError{Phase: ScriptStop, Err: scriptErr}}
	}
	if lockErr != nil {
		return Result{Chroot: c.Base().Name, Err: lockErr}
	}
	return Result{Chroot: c.Base().Name}
}

// doAutomatic runs the full ten-step sequence in one call: begin, run,
// end. Steps 8-10 always execute once step 3 has succeeded, regardless of
// what failed in between — that is the session's cleanup invariant.
func (e *Engine) doAutomatic(ctx context.Context, c chroot.Chroot, req Request) Result {
	if err := c.SetupLock(chroot.SetupStart, true, e.Locker, e.Store, e.DeviceLockTimeout); err != nil {
		return Result{Chroot: c.Base().Name, Err: err}
	}

	firstErr := e.runScripts(c, ScriptStart)
	if firstErr != nil {
		firstErr = &SetupScriptFailedError{Phase: ScriptStart, Err: firstErr}
	}

	var code int
	if firstErr == nil {
		if err := c.SetupLock(chroot.RunStart, true, e.Locker, e.Store, e.DeviceLockTimeout); err != nil {
			firstErr = err
		} else {
			var runErr error
			code, runErr = e.fork(ctx, c, req)
			if err := c.SetupLock(chroot.RunStop, false, e.Locker, e.Store, e.DeviceLockTimeout); err != nil && runErr == nil {
				runErr = err
			}
			firstErr = runErr
		}
	}

	// Steps 9-10 run unconditionally once step 3 (above) has succeeded.
	if err := e.runScripts(c, ScriptStop); err != nil && firstErr == nil {
		firstErr = &SetupScriptFailedError{Phase: ScriptStop, Err: err}
	}
	if err := c.SetupLock(chroot.SetupStop, false, e.Locker, e.Store, e.DeviceLockTimeout); err != nil && firstErr == nil {
		firstErr = err
	}

	e.logActivity(c, req, code, firstErr)
	return Result{Chroot: c.Base().Name, ExitCode: code, Err: firstErr}
}

func (e *Engine) runScripts(c chroot.Chroot, phase ScriptPhase) error {
	if !c.Base().RunSetupScripts || e.ScriptDir == "" {
		return nil
	}
	env := chroot.NewEnvironment()
	c.SetupEnv(env)
	return e.Scripts.Run(context.Background(), e.ScriptDir, phase, env.List())
}

// fork starts the privilege-dropping child, waits for it, and translates
// its termination into an exit code plus a typed error for non-clean
// terminations (spec §4.6 step 6/7).
func (e *Engine) fork(ctx context.Context, c chroot.Chroot, req Request) (int, error) {
	if err := e.PAM.OpenSession(req.User); err != nil {
		return 0, &AuthFailedError{User: req.User}
	}
	defer e.PAM.CloseSession(req.User)

	argv := req.Argv
	loginShell := len(argv) == 0
	if loginShell {
		argv = []string{req.Shell}
	}
	argv = append(append([]string(nil), c.Base().CommandPrefix...), argv...)

	env := e.buildChildEnv(c, req)

	child, err := e.ChildStarter.Start(ChildRequest{
		MountLocation:       c.MountLocation(),
		UID:                 req.TargetUID,
		GID:                 req.TargetGID,
		Username:            req.User,
		Personality:         c.Base().Personality,
		OriginalCwd:         req.OriginalCwd,
		Argv:                argv,
		Env:                 env,
		LoginShell:          loginShell,
		PreserveEnvironment: req.PreserveEnvironment,
	})
	if err != nil {
		return 0, err
	}

	err = child.Wait()
	return translateWaitError(err)
}

// translateWaitError turns the result of (*exec.Cmd).Wait into an exit code
// plus, for anything other than a clean zero exit, a typed error describing
// how the child ended (spec §4.6 step 7: signalled, core-dumped and
// nonzero-exit are distinguished outcomes, not just "failed").
func translateWaitError(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return -1, &WaitFailedError{Err: err}
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode(), &ChildExitNonZeroError{Code: exitErr.ExitCode()}
	}
	if status.Signaled() {
		sig := int(status.Signal())
		if status.CoreDump() {
			return 128 + sig, &ChildDumpedCoreError{Signal: sig}
		}
		return 128 + sig, &ChildSignalledError{Signal: sig}
	}
	code := status.ExitStatus()
	if code != 0 {
		return code, &ChildExitNonZeroError{Code: code}
	}
	return 0, nil
}

func (e *Engine) buildChildEnv(c chroot.Chroot, req Request) []string {
	env := chroot.NewEnvironment()
	c.SetupEnv(env)
	env.Set("AUTH_USER", req.User)
	if req.Quiet {
		env.Set("AUTH_QUIET", "true")
	}
	base := env.List()

	if req.PreserveEnvironment {
		base = append(base, ScrubPreservedEnvironment(req.CallerEnv)...)
	} else {
		home := "/root"
		if req.TargetUID != 0 {
			home = "/home/" + req.User
		}
		base = append(base, minimalEnvironment(req.Shell, home, req.User)...)
	}
	// PAM's own session environment (e.g. KRB5CCNAME, SELINUX context vars)
	// is applied last so it can override the shell/locale defaults above.
	return append(base, e.PAM.Environment()...)
}

func (e *Engine) logActivity(c chroot.Chroot, req Request, code int, err error) {
	if e.ActivityLog == nil {
		return
	}
	entry := ActivityEntry{
		Chroot:    c.Base().Name,
		Operation: "run",
		User:      req.User,
		ExitCode:  code,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if logErr := e.ActivityLog.Log(entry); logErr != nil {
		e.Logger.Printf("activity log: %v", logErr)
	}
}
