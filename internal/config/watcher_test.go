package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatcher_EmitsOnConfigWrite(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(ConfigPath(home), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(ConfigPath(home), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path == "" {
			t.Fatalf("empty event path: %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event after config write")
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	home := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(ConfigPath(home)+".bak", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for unrelated file: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	home := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())

	w := NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected closed channel, got event")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
