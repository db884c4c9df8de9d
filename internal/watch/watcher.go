// Package watch provides directory-change notification for schroot's
// optional watchd daemon: a debounced fsnotify loop that calls a supplied
// callback whenever the watched directory (config.d or the session
// directory) changes, generalising the teacher's PolicyWatcher (internal/warden/policy_watcher.go)
// from a single file to a directory of files.
package watch

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a directory and invokes onChange, debounced, whenever an
// entry inside it is written, created or removed.
type Watcher struct {
	dir      string
	onChange func()
	logger   *log.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a Watcher over dir. onChange is called from the watch
// goroutine, so it must be safe to call concurrently with anything else
// touching its state (spec §4.3's registry is rebuilt from scratch on
// each reload rather than mutated in place, for exactly this reason).
func New(dir string, logger *log.Logger, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Watcher{dir: dir, onChange: onChange, logger: logger, debounce: 500 * time.Millisecond, watcher: fw}, nil
}

// Start watches dir for changes until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
	w.logger.Printf("watching %s for changes", w.dir)
	return nil
}

// Stop shuts the watcher down and waits for its goroutine to exit.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Printf("detected change: %s (%s)", event.Name, event.Op)
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.onChange)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watcher error: %v", err)
		}
	}
}
