package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func TestWatcher(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(path, []byte("initial_values = [1]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	changes := make(chan FileConfig, 16)
	w := NewWatcher(path, zerolog.Nop(), func(fc FileConfig) {
		changes <- fc
	})
	w.delay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() error = %v", err)
		}
	}()

	// Events before the watch is registered are lost, so keep rewriting
	// until the change is seen.
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case fc := <-changes:
			values, err := fc.Values()
			if err != nil {
				t.Fatal(err)
			}
			// A rewrite may be observed half done.
			if cmp.Equal([]uint16{7, 8}, values) {
				return
			}
		case <-ticker.C:
			if err := os.WriteFile(path, []byte("initial_values = [7, 8]\n"), 0644); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("no change reported")
		}
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	changes := make(chan FileConfig, 16)
	w := NewWatcher(path, zerolog.Nop(), func(fc FileConfig) {
		changes <- fc
	})
	w.delay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(filepath.Join(tmpDir, "other.toml"), []byte("x = 1\n"), 0644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	select {
	case <-changes:
		t.Error("change reported for unrelated file")
	case <-time.After(100 * time.Millisecond):
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "missing", "config.toml"), zerolog.Nop(), func(FileConfig) {})
	if err := w.Run(context.Background()); err == nil {
		t.Error("Run() expected error for missing directory")
	}
}
