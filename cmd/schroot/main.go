// Command schroot is the privileged launcher described in spec.md: it
// authorises an invoking user against a named chroot's group policy,
// drives the session lifecycle engine through one of its five
// operations, and execs the requested command (or a login shell) inside
// the prepared chroot.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"

	"schroot/internal/chroot"
	"schroot/internal/config"
	"schroot/internal/diag"
	"schroot/internal/keyfile"
	"schroot/internal/session"
	"schroot/internal/settings"
)

const (
	version           = "1.0.0"
	defaultSettings   = "/etc/schroot/schroot.yaml"
	settingsPathEnvar = "SCHROOT_SETTINGS"
)

// chrootNames collects a repeated --chroot NAME flag into an ordered list.
type chrootNames []string

func (c *chrootNames) String() string { return fmt.Sprint([]string(*c)) }
func (c *chrootNames) Set(v string) error {
	*c = append(*c, v)
	return nil
}

func main() {
	if session.IsChildInvocation(os.Args) {
		session.RunChild()
		return
	}

	var names chrootNames
	flag.Var(&names, "chroot", "chroot or session to act on (repeatable)")

	help := flag.Bool("help", false, "show usage and exit")
	showVersion := flag.Bool("version", false, "show version and exit")
	list := flag.Bool("list", false, "list available chroots")
	info := flag.Bool("info", false, "show detailed chroot information")
	printConfig := flag.Bool("config", false, "print the raw chroot configuration")
	all := flag.Bool("all", false, "select every chroot and session")
	allChroots := flag.Bool("all-chroots", false, "select every template chroot")
	allSessions := flag.Bool("all-sessions", false, "select every active session")
	userName := flag.String("user", "", "run as this user instead of the caller")
	preserveEnv := flag.Bool("preserve-environment", false, "preserve the caller's environment")
	quiet := flag.Bool("quiet", false, "suppress authentication prompts")
	verbose := flag.Bool("verbose", false, "log setup script output")
	beginSession := flag.Bool("begin-session", false, "begin a session and print its id")
	recoverSession := flag.Bool("recover-session", false, "reacquire an active session's setup lock")
	runSession := flag.Bool("run-session", false, "run a command in an active session")
	endSession := flag.Bool("end-session", false, "end an active session")
	force := flag.Bool("force", false, "bypass lock and teardown errors")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "schroot %s - enter a chroot environment\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: schroot [options] [--chroot NAME]... [-- command [args...]]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *help {
		flag.Usage()
		return
	}
	if *showVersion {
		fmt.Printf("schroot %s\n", version)
		return
	}

	reporter := diag.NewReporter("schroot")
	defer reporter.Close()

	settingsPath := os.Getenv(settingsPathEnvar)
	if settingsPath == "" {
		settingsPath = defaultSettings
	}
	cfg, err := settings.Load(settingsPath)
	if err != nil {
		reporter.Report(err)
		os.Exit(diag.ExitCode(err))
	}

	reg, store, err := loadRegistry(cfg)
	if err != nil {
		reporter.Report(err)
		os.Exit(diag.ExitCode(err))
	}

	caller, err := resolveCaller(*userName)
	if err != nil {
		reporter.Report(err)
		os.Exit(diag.ExitGeneric)
	}

	if *list {
		printNames(reg, resolveTargets(reg, names, *all, *allChroots, *allSessions, caller), os.Stdout)
		return
	}
	if *info {
		reg.PrintInfo(resolveTargets(reg, names, *all, *allChroots, *allSessions, caller), os.Stdout)
		return
	}
	if *printConfig {
		dumpConfig(reg, resolveTargets(reg, names, *all, *allChroots, *allSessions, caller), os.Stdout)
		return
	}

	op := session.Automatic
	switch {
	case *beginSession:
		op = session.Begin
	case *recoverSession:
		op = session.Recover
	case *runSession:
		op = session.Run
	case *endSession:
		op = session.End
	}

	targets := resolveTargets(reg, names, *all, *allChroots, *allSessions, caller)
	if len(targets) == 0 {
		reporter.Report(fmt.Errorf("no chroot specified"))
		os.Exit(diag.ExitGeneric)
	}

	engine := session.NewEngine(reg, store, session.NewDeviceLocker(cfg.DeviceLockDir))
	engine.ScriptDir = cfg.SetupScriptDir
	if cfg.DeviceLockTimeout > 0 {
		engine.DeviceLockTimeout = cfg.DeviceLockTimeout
	}
	if *verbose {
		engine.Scripts = session.NewLocalScriptRunner(engine.Logger)
	}
	if activityLog, err := session.NewActivityLog(cfg.ActivityLogPath); err == nil {
		engine.ActivityLog = activityLog
		defer activityLog.Close()
	} else {
		engine.Logger.Printf("activity log disabled: %v", err)
	}

	cwd, _ := os.Getwd()
	req := session.Request{
		User:                caller.username,
		RUID:                caller.ruid,
		TargetUID:           caller.targetUID,
		TargetGID:           caller.targetGID,
		SupplementaryGIDs:   caller.supplementaryGIDs,
		GroupName:           lookupGroupName,
		PreserveEnvironment: *preserveEnv,
		Quiet:               *quiet,
		Force:               *force,
		Argv:                flag.Args(),
		Shell:               caller.shell,
		CallerEnv:           os.Environ(),
		OriginalCwd:         cwd,
	}

	results := engine.Run(context.Background(), op, targets, req)
	os.Exit(reportResults(reporter, op, results))
}

func loadRegistry(cfg settings.Settings) (*config.Registry, *session.Store, error) {
	reg := config.New()
	reg.SetLockTimeout(cfg.ConfigLockTimeout)
	if err := reg.AddDirectory(cfg.ConfigDir); err != nil {
		return nil, nil, err
	}

	store, err := session.NewStore(cfg.SessionDir, nil)
	if err != nil {
		return nil, nil, err
	}
	sessionNames, err := store.List()
	if err != nil {
		return nil, nil, err
	}
	for _, name := range sessionNames {
		c, err := store.Load(name)
		if err != nil {
			continue
		}
		reg.AddChroot(c)
	}
	return reg, store, nil
}

// caller is the resolved identity behind a single invocation: the real
// user running schroot, and the user/group the session should run as.
type caller struct {
	username          string
	ruid              int
	targetUID         int
	targetGID         int
	supplementaryGIDs []int
	shell             string
}

func resolveCaller(targetUsername string) (caller, error) {
	self, err := user.Current()
	if err != nil {
		return caller{}, fmt.Errorf("look up invoking user: %w", err)
	}
	gidStrs, err := self.GroupIds()
	if err != nil {
		return caller{}, fmt.Errorf("look up invoking user's groups: %w", err)
	}
	gids := make([]int, 0, len(gidStrs))
	for _, s := range gidStrs {
		if gid, err := strconv.Atoi(s); err == nil {
			gids = append(gids, gid)
		}
	}
	ruid, _ := strconv.Atoi(self.Uid)

	target := self
	if targetUsername != "" {
		target, err = user.Lookup(targetUsername)
		if err != nil {
			return caller{}, fmt.Errorf("look up target user %s: %w", targetUsername, err)
		}
	}
	targetUID, _ := strconv.Atoi(target.Uid)
	targetGID, _ := strconv.Atoi(target.Gid)

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	return caller{
		username:          target.Username,
		ruid:              ruid,
		targetUID:         targetUID,
		targetGID:         targetGID,
		supplementaryGIDs: gids,
		shell:             shell,
	}, nil
}

func lookupGroupName(gid int) (string, bool) {
	g, err := user.LookupGroupId(strconv.Itoa(gid))
	if err != nil {
		return "", false
	}
	return g.Name, true
}

// resolveTargets applies the --chroot/--all/--all-chroots/--all-sessions
// scoping rules from spec §6: an explicit --chroot list always wins, and
// the --all variants otherwise restrict the visible set to templates,
// sessions, or both. Without an explicit list, only chroots the caller may
// enter at all (per spec §3's groups ∪ root_groups eligibility rule) are
// included; an explicit list is returned as given, unfiltered.
func resolveTargets(reg *config.Registry, explicit chrootNames, all, allChroots, allSessions bool, who caller) []string {
	if len(explicit) > 0 {
		return []string(explicit)
	}

	var names []string
	for _, c := range reg.Chroots() {
		if !mayEnter(c, who) {
			continue
		}
		active := c.Base().Active
		switch {
		case all:
			names = append(names, c.Base().Name)
		case allChroots && !active:
			names = append(names, c.Base().Name)
		case allSessions && active:
			names = append(names, c.Base().Name)
		case !all && !allChroots && !allSessions && !active:
			// no scoping flag given: default to listing templates,
			// matching the reference tool's default --list behaviour.
			names = append(names, c.Base().Name)
		}
	}
	return names
}

func mayEnter(c chroot.Chroot, who caller) bool {
	if who.ruid == 0 {
		return true
	}
	groups := append(append([]string(nil), c.Base().Groups...), c.Base().RootGroups...)
	for _, gid := range who.supplementaryGIDs {
		name, ok := lookupGroupName(gid)
		if !ok {
			continue
		}
		for _, g := range groups {
			if g == name {
				return true
			}
		}
	}
	return false
}

func printNames(reg *config.Registry, names []string, w io.Writer) {
	all := make(map[string]bool, len(names))
	for _, n := range names {
		all[n] = true
	}
	for _, c := range reg.Chroots() {
		if all[c.Base().Name] {
			fmt.Fprintln(w, c.Base().Name)
		}
	}
}

// dumpConfig writes the raw KeyFile form of each named chroot, the same
// format its config.d source file uses, rather than --info's human-
// readable columns — this is the form spec §6 says a caller may feed
// back in as a chroot definition.
func dumpConfig(reg *config.Registry, names []string, w io.Writer) {
	kf := keyfile.New()
	for _, name := range names {
		c, ok := reg.FindByAlias(name)
		if !ok {
			fmt.Fprintf(w, "# %s: no such chroot\n", name)
			continue
		}
		c.ToKeyfile(kf, c.Base().Name)
	}
	if err := kf.Write(w); err != nil {
		fmt.Fprintf(w, "# error writing configuration: %v\n", err)
	}
}

// reportResults prints a session id for each successful Begin, reports the
// first error via reporter and stops there, and returns the process exit
// code (spec §6: 0 on success, passthrough of a child's own exit status
// when a command ran).
func reportResults(reporter *diag.Reporter, op session.Operation, results []session.Result) int {
	code := diag.ExitOK
	for _, r := range results {
		if r.Err != nil {
			reporter.Report(fmt.Errorf("%s: %w", r.Chroot, r.Err))
			return diag.ExitCode(r.Err)
		}
		if op == session.Begin {
			fmt.Println(r.Chroot)
		}
		if r.ExitCode != 0 {
			code = r.ExitCode
		}
	}
	return code
}
