// Command schroot-watchd is an optional daemon that watches config.d and
// the session directory and logs when either changes, so an operator (or
// a supervising process) can tell that a chroot definition was edited or
// a session appeared/vanished without polling. schroot itself never needs
// this — every invocation loads a fresh registry — but a long-running
// deployment benefits from a visible record of when that state moved.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"schroot/internal/config"
	"schroot/internal/settings"
	"schroot/internal/watch"
)

func main() {
	settingsPath := os.Getenv("SCHROOT_SETTINGS")
	if settingsPath == "" {
		settingsPath = "/etc/schroot/schroot.yaml"
	}

	logger := log.New(os.Stdout, "[schroot-watchd] ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := settings.Load(settingsPath)
	if err != nil {
		logger.Fatalf("load settings: %v", err)
	}

	configWatcher, err := watch.New(cfg.ConfigDir, logger, func() {
		reg := config.New()
		reg.SetLockTimeout(cfg.ConfigLockTimeout)
		if err := reg.AddDirectory(cfg.ConfigDir); err != nil {
			logger.Printf("config.d reload failed: %v", err)
			return
		}
		logger.Printf("config.d reloaded: %d chroots", len(reg.Chroots()))
	})
	if err != nil {
		logger.Fatalf("watch config directory: %v", err)
	}

	sessionWatcher, err := watch.New(cfg.SessionDir, logger, func() {
		logger.Printf("session directory changed")
	})
	if err != nil {
		logger.Fatalf("watch session directory: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := configWatcher.Start(ctx); err != nil {
		logger.Fatalf("start config watcher: %v", err)
	}
	if err := sessionWatcher.Start(ctx); err != nil {
		logger.Fatalf("start session watcher: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Printf("shutting down")
	cancel()
	configWatcher.Stop()
	sessionWatcher.Stop()
}
