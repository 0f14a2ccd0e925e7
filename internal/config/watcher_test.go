package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/browserwf/internal/config"
)

func TestWatcher_DetectsConfigFileChange(t *testing.T) {
	homeDir := t.TempDir()

	configFile := config.ConfigPath(homeDir)
	if err := os.WriteFile(configFile, []byte("bind_addr: \"127.0.0.1:18080\"\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(configFile, []byte("bind_addr: \"127.0.0.1:19090\"\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "orchestrator.yaml" {
				t.Fatalf("expected orchestrator.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(configFile, []byte("bind_addr: \"127.0.0.1:19090\"\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for orchestrator.yaml change event")
		}
	}
}
