// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWatcherDetectsChanges(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "backstop.yaml")

	initial := `fallback:
  mode: cycle
`
	if err := os.WriteFile(configPath, []byte(initial), 0644); err != nil {
		t.Fatalf("failed to write initial config: %v", err)
	}

	watcher, err := NewWatcher(configPath,
		WithWatchInterval(50*time.Millisecond),
		WithWatchLogger(quietLogger()))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	changes := make(chan *Config, 1)
	watcher.OnChange(func(cfg *Config) {
		changes <- cfg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher.Start(ctx)
	defer watcher.Stop()

	if got := watcher.Config().Fallback.Mode; got != "cycle" {
		t.Errorf("initial mode: got %q, want cycle", got)
	}

	// Let the poll loop observe the initial mod time before editing.
	time.Sleep(100 * time.Millisecond)

	updated := `fallback:
  mode: stop
`
	if err := os.WriteFile(configPath, []byte(updated), 0644); err != nil {
		t.Fatalf("failed to write updated config: %v", err)
	}

	select {
	case newCfg := <-changes:
		if newCfg.Fallback.Mode != "stop" {
			t.Errorf("reloaded mode: got %q, want stop", newCfg.Fallback.Mode)
		}
		if got := watcher.Config().Fallback.Mode; got != "stop" {
			t.Errorf("Config() after reload: got %q, want stop", got)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for config change notification")
	}
}

func TestWatcherMultipleListeners(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "backstop.yaml")

	if err := os.WriteFile(configPath, []byte("log:\n  level: info\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	watcher, err := NewWatcher(configPath,
		WithWatchInterval(50*time.Millisecond),
		WithWatchLogger(quietLogger()))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	got1 := make(chan struct{}, 1)
	got2 := make(chan struct{}, 1)
	watcher.OnChange(func(*Config) { got1 <- struct{}{} })
	watcher.OnChange(func(*Config) { got2 <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher.Start(ctx)
	defer watcher.Stop()

	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(configPath, []byte("log:\n  level: debug\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	for i, ch := range []chan struct{}{got1, got2} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Errorf("listener %d was not notified", i+1)
		}
	}
}

func TestWatcherKeepsConfigOnBadReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "backstop.yaml")

	if err := os.WriteFile(configPath, []byte("fallback:\n  mode: stop\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	watcher, err := NewWatcher(configPath,
		WithWatchInterval(20*time.Millisecond),
		WithWatchLogger(quietLogger()))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	notified := 0
	watcher.OnChange(func(*Config) { notified++ })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher.Start(ctx)
	defer watcher.Stop()

	time.Sleep(60 * time.Millisecond)

	if err := os.WriteFile(configPath, []byte("fallback: [broken\n"), 0644); err != nil {
		t.Fatalf("failed to write broken config: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	if got := watcher.Config().Fallback.Mode; got != "stop" {
		t.Errorf("config after failed reload: got mode %q, want stop", got)
	}
	if notified != 0 {
		t.Errorf("listeners notified %d times on failed reload, want 0", notified)
	}
}

func TestWatcherStops(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "backstop.yaml")

	if err := os.WriteFile(configPath, []byte("log: {}\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	watcher, err := NewWatcher(configPath,
		WithWatchInterval(10*time.Millisecond),
		WithWatchLogger(quietLogger()))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	watcher.Start(context.Background())

	done := make(chan struct{})
	go func() {
		watcher.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Error("watcher.Stop() did not complete in time")
	}
}

func TestWatcherRejectsBadInitialLoad(t *testing.T) {
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing initial config")
	}
}

func TestWatchConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "backstop.yaml")

	if err := os.WriteFile(configPath, []byte("fallback:\n  cooldown: 45s\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, cfg, err := WatchConfig(ctx, configPath,
		WithWatchInterval(50*time.Millisecond),
		WithWatchLogger(quietLogger()))
	if err != nil {
		t.Fatalf("failed to watch config: %v", err)
	}
	defer watcher.Stop()

	if cfg.Fallback.Cooldown != 45*time.Second {
		t.Errorf("cooldown: got %v, want 45s", cfg.Fallback.Cooldown)
	}
}
