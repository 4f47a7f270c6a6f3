// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package ffmpeg

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/ZSC714725/convertqueue/internal/testsupport"
)

func TestMain(m *testing.M) {
	testsupport.RunIfFake()
	os.Exit(m.Run())
}

const versionOutput = `ffmpeg version 6.1 Copyright (c) 2000-2023 the FFmpeg developers
built with gcc 13.2.0 (GCC)
configuration: --enable-gpl --enable-libx264
libavutil      58. 29.100 / 58. 29.100
libavcodec     60. 31.102 / 60. 31.102
libavformat    60. 16.100 / 60. 16.100
`

func TestCreateCommand(t *testing.T) {
	tpl := DefaultTemplates()

	tests := []struct {
		source string
		want   string
	}{
		{"/v/a.mkv", "-nostdin -i /v/a.mkv -c:v copy -c:a copy -pix_fmt yuv420p /out/a.mp4 -y"},
		{"/v/b.MK3D", "-nostdin -i /v/b.MK3D -c:v copy -c:a copy -pix_fmt yuv420p /out/a.mp4 -y"},
		{"/v/c.avi", "-nostdin -i /v/c.avi -pix_fmt yuv420p /out/a.mp4 -y"},
		{"/v/noext", "-nostdin -i /v/noext -pix_fmt yuv420p /out/a.mp4 -y"},
	}
	for _, tt := range tests {
		got := strings.Join(tpl.CreateCommand(tt.source, "/out/a.mp4"), " ")
		if got != tt.want {
			t.Errorf("CreateCommand(%q)\n got  %s\n want %s", tt.source, got, tt.want)
		}
	}
}

func TestCreateCommandKeepsPathsWhole(t *testing.T) {
	args := DefaultTemplates().CreateCommand("/my videos/a b.webm", "/out dir/a b.mp4")
	if args[2] != "/my videos/a b.webm" {
		t.Errorf("source arg = %q", args[2])
	}
	if args[len(args)-2] != "/out dir/a b.mp4" || args[len(args)-1] != "-y" {
		t.Errorf("tail = %q", args[len(args)-2:])
	}
}

func TestValidator(t *testing.T) {
	v, err := NewValidator([]string{`\.mkv$`, " "}, []string{`^/tmp/`})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if !v.IsValid("/v/a.mkv") {
		t.Error("allowed path rejected")
	}
	if v.IsValid("/tmp/a.mkv") {
		t.Error("blocked path accepted")
	}
	if v.IsValid("/v/a.avi") {
		t.Error("path outside allow list accepted")
	}

	if _, err := NewValidator([]string{"("}, nil); err == nil {
		t.Error("expected error for invalid expression")
	}
}

func TestExtensionValidator(t *testing.T) {
	v, err := NewExtensionValidator([]string{".mkv", "mp4", "", ".f4v"}, nil)
	if err != nil {
		t.Fatalf("NewExtensionValidator: %v", err)
	}
	for _, p := range []string{"a.mkv", "/x/B.MP4", "c.f4v"} {
		if !v.IsValid(p) {
			t.Errorf("%q rejected", p)
		}
	}
	for _, p := range []string{"a.mkv.txt", "mkv", "a.f4", "/x/a.mp3"} {
		if v.IsValid(p) {
			t.Errorf("%q accepted", p)
		}
	}

	all, _ := NewExtensionValidator(nil, nil)
	if !all.IsValid("anything") {
		t.Error("empty extension list should allow everything")
	}
}

func TestParseVersion(t *testing.T) {
	info := parseVersion([]byte(versionOutput))
	if info.Version != "6.1.0" {
		t.Errorf("version = %q", info.Version)
	}
	if info.Compiler != "gcc 13.2.0 (GCC)" {
		t.Errorf("compiler = %q", info.Compiler)
	}
	if info.Configuration != "--enable-gpl --enable-libx264" {
		t.Errorf("configuration = %q", info.Configuration)
	}
	if len(info.Libraries) != 3 || info.Libraries[1].Name != "libavcodec" || info.Libraries[1].Linked != "60. 31.102" {
		t.Errorf("libraries = %+v", info.Libraries)
	}

	if got := parseVersion([]byte("ffmpeg version n7.0.2-static")).Version; got != "7.0.2" {
		t.Errorf("static build version = %q", got)
	}
	if got := parseVersion([]byte("not ffmpeg")).Version; got != "" {
		t.Errorf("garbage version = %q", got)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{Binary: "/nonexistent/ffmpeg"}); err == nil {
		t.Fatal("expected error for missing binary")
	}

	bin := testsupport.Binary(t)
	f, err := New(Config{Binary: bin, ProbeBinary: "/nonexistent/ffprobe"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if f.ProbeBinary() != "" {
		t.Errorf("probe binary = %q, want empty", f.ProbeBinary())
	}
	if !f.IsCopy("a.mkv") || f.IsCopy("a.mov") {
		t.Error("default templates not applied")
	}
	if f.NewParser() == nil {
		t.Error("nil parser")
	}
}

func TestVersion(t *testing.T) {
	testsupport.FakeProcess{Stdout: strings.Split(versionOutput, "\n")}.Setenv(t)

	f, err := New(Config{Binary: testsupport.Binary(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	info, err := f.Version()
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if info.Version != "6.1.0" || info.Binary != f.Binary() {
		t.Errorf("info = %+v", info)
	}

	testsupport.FakeProcess{Stdout: []string{"garbage"}}.Setenv(t)
	if err := f.ReloadVersion(context.Background()); err == nil {
		t.Error("expected reload error")
	}
	if _, err := f.Version(); err == nil {
		t.Error("Version should report the failed reload")
	}
}
