package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherFiresOnChangeAfterWrite(t *testing.T) {
	dir := t.TempDir()

	fired := make(chan struct{}, 1)
	w, err := New(dir, nil, func() { fired <- struct{}{} })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.debounce = 20 * time.Millisecond
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "example"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was not called after a write")
	}
}

func TestWatcherStartThenStop(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, nil, func() {})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
