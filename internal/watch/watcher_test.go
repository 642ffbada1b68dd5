package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewRequiresPaths(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := New(Options{Paths: []string{filepath.Join(t.TempDir(), "missing")}}); err == nil {
		t.Fatalf("expected missing path to fail")
	}
}

func TestWatcherDebouncesBursts(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "src", "components")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	w, err := New(Options{Paths: []string{root}, Debounce: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher failed: %v", err)
	}

	var changes int32
	notified := make(chan struct{}, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func() {
			atomic.AddInt32(&changes, 1)
			notified <- struct{}{}
		})
	}()

	for i := 0; i < 5; i++ {
		path := filepath.Join(nested, "button.stories.ts")
		if err := os.WriteFile(path, []byte{byte('a' + i)}, 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	select {
	case <-notified:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a change notification")
	}
	time.Sleep(200 * time.Millisecond)
	if got := atomic.LoadInt32(&changes); got != 1 {
		t.Fatalf("expected one notification for a burst, got %d", got)
	}

	if err := os.WriteFile(filepath.Join(root, ".hidden"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write hidden failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := atomic.LoadInt32(&changes); got != 1 {
		t.Fatalf("expected hidden files to be ignored, got %d notifications", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}
