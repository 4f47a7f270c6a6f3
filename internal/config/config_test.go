// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Bind != ":8080" {
		t.Errorf("bind = %q, want :8080", cfg.Server.Bind)
	}
	if cfg.Runner.ETAWarmup() != 5*time.Second {
		t.Errorf("eta warmup = %v, want 5s", cfg.Runner.ETAWarmup())
	}
	if cfg.Output.Extension != ".mp4" {
		t.Errorf("output extension = %q", cfg.Output.Extension)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  bind: "127.0.0.1:9000"
  state_dir: "` + dir + `"
ffmpeg:
  path: /opt/ffmpeg/bin/ffmpeg
output:
  dir: /tmp/out
  extension: mkv
runner:
  cleanup_delay_ms: 10
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Bind != "127.0.0.1:9000" {
		t.Errorf("bind = %q", cfg.Server.Bind)
	}
	if cfg.FFmpeg.Path != "/opt/ffmpeg/bin/ffmpeg" {
		t.Errorf("ffmpeg path = %q", cfg.FFmpeg.Path)
	}
	if cfg.FFmpeg.ProbePath != "ffprobe" {
		t.Errorf("probe path = %q, want default", cfg.FFmpeg.ProbePath)
	}
	if cfg.Output.Extension != ".mkv" {
		t.Errorf("extension = %q, want .mkv", cfg.Output.Extension)
	}
	if cfg.Runner.CleanupDelay() != 10*time.Millisecond {
		t.Errorf("cleanup delay = %v", cfg.Runner.CleanupDelay())
	}
	if cfg.History.Path != filepath.Join(dir, "history.db") {
		t.Errorf("history path = %q", cfg.History.Path)
	}
	if len(cfg.Runner.EncodeArgs) == 0 {
		t.Error("encode args not filled")
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[server]
bind = ":7070"

[queue]
allow_extensions = [".mkv", ".avi"]

[redis]
addr = "localhost:6379"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Bind != ":7070" {
		t.Errorf("bind = %q", cfg.Server.Bind)
	}
	if len(cfg.Queue.AllowExtensions) != 2 {
		t.Errorf("allow extensions = %v", cfg.Queue.AllowExtensions)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.Channel == "" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadHistoryPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := "server:\n  state_dir: \"" + dir + "\"\nhistory:\n  path: \"" + filepath.Join(dir, "runs.db") + "\"\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.History.Path != filepath.Join(dir, "runs.db") {
		t.Errorf("history path = %q, want explicit path", cfg.History.Path)
	}

	other := t.TempDir()
	path = filepath.Join(dir, "other.yaml")
	if err := os.WriteFile(path, []byte("server:\n  state_dir: \""+other+"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.History.Path != filepath.Join(other, "history.db") {
		t.Errorf("history path = %q, want under %s", cfg.History.Path, other)
	}
	if filepath.Dir(cfg.LockPath()) != filepath.Dir(cfg.History.Path) {
		t.Errorf("lock %q and history %q in different dirs", cfg.LockPath(), cfg.History.Path)
	}
}
