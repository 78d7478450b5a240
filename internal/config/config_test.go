package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.UserID = "alice"
	cfg.Sync.MaxRetries = 3
	cfg.Sync.SendTimeout = Duration{10 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", loaded.UserID)
	}
	if loaded.Sync.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", loaded.Sync.MaxRetries)
	}
	if loaded.Sync.SendTimeout.Duration != 10*time.Second {
		t.Errorf("SendTimeout = %v, want 10s", loaded.Sync.SendTimeout.Duration)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(path, []byte("default_profile = \"main\"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Sync.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want default 5", loaded.Sync.MaxRetries)
	}
	if loaded.Sync.BackoffBase.Duration != time.Second {
		t.Errorf("BackoffBase = %v, want default 1s", loaded.Sync.BackoffBase.Duration)
	}
	if loaded.Sync.StalenessThreshold.Duration != 2*time.Minute {
		t.Errorf("StalenessThreshold = %v, want default 2m", loaded.Sync.StalenessThreshold.Duration)
	}
}

func TestLoadWithOverride(t *testing.T) {
	tmpDir := t.TempDir()
	global := filepath.Join(tmpDir, "config.toml")
	override := filepath.Join(tmpDir, "profile.toml")

	globalContent := "user_id = \"alice\"\n\n[sync]\nmax_retries = 3\n"
	if err := os.WriteFile(global, []byte(globalContent), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(override, []byte("[sync]\nmax_retries = 7\n"), 0600); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadWithOverride(global, override)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", loaded.UserID)
	}
	if loaded.Sync.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want override 7", loaded.Sync.MaxRetries)
	}
	if loaded.Sync.BackoffBase.Duration != time.Second {
		t.Errorf("BackoffBase = %v, want default 1s", loaded.Sync.BackoffBase.Duration)
	}
}

func TestLoadWithOverrideBothMissing(t *testing.T) {
	loaded, err := LoadWithOverride("/nonexistent/a.toml", "/nonexistent/b.toml")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Sync.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want default 5", loaded.Sync.MaxRetries)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
